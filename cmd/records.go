package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/outbox"
	"github.com/palss/localsync/internal/repo"
)

var (
	recordData   string
	recordClient string
	recordWait   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Read and write records through the active backend",
}

func parseEntity(arg string) (models.EntityType, error) {
	entity := models.EntityType(arg)
	if !entity.Valid() {
		return "", fmt.Errorf("unknown entity %q", arg)
	}
	return entity, nil
}

var recordsListCmd = &cobra.Command{
	Use:   "list <entity>",
	Short: "List records of one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		records, err := eng.factory.Repo(entity).List(cmd.Context(), repo.Filter{ClientID: recordClient})
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("%s  %s  %s\n", rec.ID, rec.Timestamp().Format(time.RFC3339), rec.Payload)
		}
		fmt.Printf("%d records\n", len(records))
		return nil
	},
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <entity> <id>",
	Short: "Fetch one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rec, ok, err := eng.factory.Repo(entity).Get(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no %s record %s", entity, args[1])
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var recordsCreateCmd = &cobra.Command{
	Use:   "create <entity>",
	Short: "Create a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		if recordData != "" && !json.Valid([]byte(recordData)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rec := models.Record{ClientID: recordClient, Payload: json.RawMessage(recordData)}
		accepted, err := eng.writer.Create(cmd.Context(), entity, rec)
		if err != nil {
			return err
		}
		fmt.Printf("accepted %s/%s\n", entity, accepted.Record.ID)
		return reportOutcome(accepted)
	},
}

var recordsUpdateCmd = &cobra.Command{
	Use:   "update <entity> <id>",
	Short: "Apply a partial update to a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		var changes map[string]any
		if err := json.Unmarshal([]byte(recordData), &changes); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		accepted, err := eng.writer.Update(cmd.Context(), entity, args[1], changes)
		if err != nil {
			return err
		}
		fmt.Printf("accepted %s/%s\n", entity, args[1])
		return reportOutcome(accepted)
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <entity> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		accepted, err := eng.writer.Delete(cmd.Context(), entity, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("accepted delete %s/%s\n", entity, args[1])
		return reportOutcome(accepted)
	},
}

// reportOutcome waits for the dispatch outcome when --wait is set. A
// deferred write is not an error: the outbox will retry it.
func reportOutcome(accepted outbox.Accepted) error {
	if !recordWait {
		return nil
	}
	outcome := <-accepted.Done
	switch outcome.Status {
	case outbox.StatusSent:
		fmt.Println("confirmed")
		return nil
	case outbox.StatusPending:
		fmt.Printf("queued for retry: %v\n", outcome.Err)
		return nil
	default:
		return fmt.Errorf("rejected: %w", outcome.Err)
	}
}

func init() {
	recordsCmd.PersistentFlags().StringVar(&recordData, "data", "", "record payload as JSON")
	recordsCmd.PersistentFlags().StringVar(&recordClient, "client", "", "client id filter / assignment")
	recordsCmd.PersistentFlags().BoolVar(&recordWait, "wait", false, "wait for the remote dispatch to settle")
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsGetCmd)
	recordsCmd.AddCommand(recordsCreateCmd)
	recordsCmd.AddCommand(recordsUpdateCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	rootCmd.AddCommand(recordsCmd)
}
