package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record <create|update|delete|batch> <entity-type> [entity-id] [payload]",
	Short: "Record a local change",
	Long: `Record a change to local state. The operation is applied immediately and
uploaded on the next sync.

  opsync record create task t1 '{"title":"plans"}'
  opsync record update task t1 '{"done":true}'
  opsync record delete task t1
  opsync record batch task '{"t1":{"done":true},"t2":null}'

A batch payload maps entity ids to partial updates; null deletes the entity.`,
	Args: cobra.RangeArgs(2, 4),
	Run:  runRecord,
}

var recordAction string

func init() {
	recordCmd.Flags().StringVar(&recordAction, "action", "", "Action name stored with the operation (defaults to the command)")
}

func runRecord(cmd *cobra.Command, args []string) {
	in, err := parseRecordArgs(args)
	if err != nil {
		exitError("%v", err)
	}
	if recordAction != "" {
		in.ActionType = recordAction
	}

	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	op, err := c.Service.Record(ctx, in)
	if err != nil {
		exitError("failed to record: %v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Recorded %s ", op.OpType)
	fmt.Printf("%s/%s (%s)\n", op.EntityType, describeIDs(op), shortID(op.ID))
}

// parseRecordArgs turns positional record arguments into a RecordInput.
func parseRecordArgs(args []string) (core.RecordInput, error) {
	kind, entityType := args[0], args[1]
	in := core.RecordInput{EntityType: entityType}

	switch kind {
	case "create", "update":
		if len(args) != 4 {
			return in, fmt.Errorf("%s needs an entity id and a payload", kind)
		}
		if !json.Valid([]byte(args[3])) {
			return in, fmt.Errorf("payload is not valid JSON")
		}
		in.OpType = models.OpCreate
		if kind == "update" {
			in.OpType = models.OpUpdate
		}
		in.EntityID = args[2]
		in.Payload = json.RawMessage(args[3])
	case "delete":
		if len(args) != 3 {
			return in, fmt.Errorf("delete needs exactly one entity id")
		}
		in.OpType = models.OpDelete
		in.EntityID = args[2]
	case "batch":
		if len(args) != 3 {
			return in, fmt.Errorf("batch needs a single payload object")
		}
		var patches map[string]json.RawMessage
		if err := json.Unmarshal([]byte(args[2]), &patches); err != nil {
			return in, fmt.Errorf("batch payload must map entity ids to updates: %w", err)
		}
		if len(patches) == 0 {
			return in, fmt.Errorf("batch payload is empty")
		}
		for id := range patches {
			in.EntityIDs = append(in.EntityIDs, id)
		}
		sort.Strings(in.EntityIDs)
		in.OpType = models.OpBatch
		in.Payload = json.RawMessage(args[2])
	default:
		return in, fmt.Errorf("unknown change %q (want create, update, delete or batch)", kind)
	}
	in.ActionType = "[" + entityType + "] " + kind
	return in, nil
}

func describeIDs(op *models.Operation) string {
	if op.EntityID != "" {
		return op.EntityID
	}
	if len(op.EntityIDs) == 1 {
		return op.EntityIDs[0]
	}
	return fmt.Sprintf("{%d entities}", len(op.EntityIDs))
}

var showCmd = &cobra.Command{
	Use:   "show [entity-type] [entity-id]",
	Short: "Show local state",
	Long:  `Show the entities in local state, a single type, or a single entity's payload.`,
	Args:  cobra.MaximumNArgs(2),
	Run:   runShow,
}

func runShow(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	yellow := color.New(color.FgYellow)

	switch len(args) {
	case 2:
		e, ok := c.State.Get(args[0], args[1])
		if !ok {
			exitError("%s/%s not found", args[0], args[1])
		}
		yellow.Printf("%s/%s", args[0], args[1])
		fmt.Printf(" (op %s, client %s)\n", shortID(e.Version.OpID), shortID(e.Version.ClientID))
		fmt.Println(string(e.Payload))
	case 1:
		for _, id := range c.State.List(args[0]) {
			fmt.Println(id)
		}
	default:
		types := c.State.Types()
		if len(types) == 0 {
			fmt.Println("State is empty")
			return
		}
		for _, t := range types {
			ids := c.State.List(t)
			yellow.Printf("%s", t)
			fmt.Printf(" (%d)\n", len(ids))
			for _, id := range ids {
				fmt.Printf("  %s\n", id)
			}
		}
	}
}
