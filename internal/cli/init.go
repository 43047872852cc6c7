package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/kilupskalvis/opsync/internal/config"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new opsync replica",
	Long: `Initialize a new opsync replica in the current directory.
This creates a .opsync directory holding the configuration and the local
operation log.`,
	Run: runInit,
}

var (
	initProvider   string
	initServerURL  string
	initAccount    string
	initFile       string
	initS3Bucket   string
	initS3Key      string
	initS3Region   string
	initS3Endpoint string
	initInterval   time.Duration
	initEncrypt    bool
)

func init() {
	initCmd.Flags().StringVar(&initProvider, "provider", config.ProviderOpSync, "Sync provider (opsync|file|s3)")
	initCmd.Flags().StringVar(&initServerURL, "server-url", "", "opsync server URL")
	initCmd.Flags().StringVar(&initAccount, "account", "", "Account name on the opsync server")
	initCmd.Flags().StringVar(&initFile, "file", "", "Path of the shared sync file")
	initCmd.Flags().StringVar(&initS3Bucket, "s3-bucket", "", "S3 bucket holding the sync file")
	initCmd.Flags().StringVar(&initS3Key, "s3-key", "opsync.json", "S3 object key of the sync file")
	initCmd.Flags().StringVar(&initS3Region, "s3-region", "", "S3 region")
	initCmd.Flags().StringVar(&initS3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	initCmd.Flags().DurationVar(&initInterval, "interval", 5*time.Minute, "Background sync interval for the daemon")
	initCmd.Flags().BoolVar(&initEncrypt, "encryption", false, "Encrypt payloads with a password")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("opsync replica already exists")
	}

	wd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	cfg, err := config.Initialize(wd, config.Config{
		Provider:          initProvider,
		ServerURL:         initServerURL,
		Account:           initAccount,
		FilePath:          initFile,
		S3Bucket:          initS3Bucket,
		S3Key:             initS3Key,
		S3Region:          initS3Region,
		S3Endpoint:        initS3Endpoint,
		EncryptionEnabled: initEncrypt,
		SyncInterval:      config.Duration{Duration: initInterval},
	})
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}
	if err := st.SetClientID(cfg.ClientID); err != nil {
		exitError("failed to store client id: %v", err)
	}

	if initEncrypt {
		password := readSecret("Encryption password: ")
		if password == "" {
			exitError("encryption password must not be empty")
		}
		err := st.UpdateCredentials(credentialName(cfg), func(c *models.ProviderCredentials) {
			c.EncryptionKey = password
			c.EncryptionEnabled = true
			c.UpdatedAt = time.Now().UTC()
		})
		if err != nil {
			exitError("failed to store password: %v", err)
		}
	}

	fmt.Printf("Initialized opsync replica in %s\n", cfg.Path())
	fmt.Printf("Client: %s\n", shortID(cfg.ClientID))
	fmt.Printf("Provider: %s\n", cfg.Provider)
	if cfg.Provider == config.ProviderOpSync {
		fmt.Println("\nRun 'opsync login' to store an access token.")
	}
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the access token for the opsync server",
	Long: `Read an access token from stdin and store it for the opsync provider.
Tokens are issued by the server administrator with 'opsync server tokens create'.`,
	Run: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if c.Config.Provider != config.ProviderOpSync {
		exitError("login is only needed for the opsync provider (configured: %s)", c.Config.Provider)
	}

	token := readSecret("Token: ")
	if token == "" {
		exitError("token must not be empty")
	}

	err := c.Store.UpdateCredentials(credentialName(c.Config), func(creds *models.ProviderCredentials) {
		creds.Token = token
		creds.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		exitError("failed to store token: %v", err)
	}
	fmt.Println("Token stored.")
}
