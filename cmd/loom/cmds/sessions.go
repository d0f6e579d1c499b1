package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/loom/pkg/sessions"
)

func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and move session state",
	}
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsExportCmd())
	cmd.AddCommand(newSessionsImportCmd())
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's timelines and turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()
			ctx := cmd.Context()

			sess, err := st.store.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s (active timeline %s)\n", sess.ID, sess.ActiveTimelineID)

			timelines, err := st.store.ListTimelines(ctx, sess.ID)
			if err != nil {
				return err
			}
			for _, tl := range timelines {
				marker := " "
				if tl.ID == sess.ActiveTimelineID {
					marker = "*"
				}
				fmt.Printf("%s timeline %d %s (%d turns)\n", marker, tl.Index, tl.ID, len(tl.TurnIDs))
				turns, err := st.store.ListTurns(ctx, tl.ID)
				if err != nil {
					return err
				}
				for _, turn := range turns {
					fmt.Printf("    [%d] %s inputs=%d outputs=%d steps=%d\n",
						turn.TimelineIndex, turn.ID,
						len(turn.InputMessageIDs), len(turn.OutputMessageIDs), len(turn.StepIDs))
					if id := turn.SelectedInputMessageID(); id != "" {
						if msg, err := st.store.GetMessage(ctx, id); err == nil {
							fmt.Printf("        > %s\n", msg.PlainText())
						}
					}
					if id := turn.SelectedOutputMessageID(); id != "" {
						if msg, err := st.store.GetMessage(ctx, id); err == nil {
							fmt.Printf("        < %s\n", msg.PlainText())
						}
					}
				}
			}
			return nil
		},
	}
}

func newSessionsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session snapshot as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			snap, err := st.store.ExportSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			if output == "" || output == "-" {
				return snap.WriteYAML(os.Stdout)
			}
			return snap.SaveToFile(output)
		},
	}
	cmd.Flags().StringP("output", "o", "-", "output file (- for stdout)")
	return cmd
}

func newSessionsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.yaml>",
		Short: "Import a session snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			snap, err := sessions.LoadSnapshotFromFile(args[0])
			if err != nil {
				return err
			}
			if err := st.store.ImportSnapshot(cmd.Context(), snap); err != nil {
				return err
			}
			fmt.Printf("imported session %s\n", snap.Session.ID)
			return nil
		},
	}
}
