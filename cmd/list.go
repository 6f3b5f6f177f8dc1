package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	RunE:  runList,
}

func init() {
	listCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	application, err := buildApp()
	if err != nil {
		return err
	}

	identities := application.svc.Identities()

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(identities)
	}

	if len(identities) == 0 {
		fmt.Println("No identities enrolled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAMPLES\tVERIFICATIONS\tENROLLED")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			id.ID, id.DisplayName, id.SampleCount, id.VerificationCount,
			id.EnrolledAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
