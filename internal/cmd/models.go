package cmd

import (
	"fmt"
	"os"

	"github.com/cloudmodel/endpoint-tools/internal/client"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models available on the endpoint",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireEndpoint(cfg); err != nil {
		return err
	}

	c := client.New(cfg.Endpoint.BaseURL, cfg.Endpoint.APIKey,
		client.WithTimeout(cfg.Endpoint.Timeout))

	fmt.Printf("Fetching models from %s...\n\n", c.BaseURL())
	list, err := c.ListModels(cmd.Context())
	if err != nil {
		return err
	}

	if len(list.Data) == 0 {
		fmt.Println("No models returned by the endpoint.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"ID", "Owned By", "Object"})
	for _, m := range list.Data {
		table.Append([]string{m.ID, m.OwnedBy, m.Object})
	}
	table.Render()

	fmt.Printf("\nTotal: %d model(s)\n", len(list.Data))
	if len(list.Data) == 1 {
		fmt.Printf("Use MODEL_NAME=%s for chat requests.\n", list.Data[0].ID)
	} else {
		fmt.Println("Set MODEL_NAME to one of the IDs above for chat requests.")
	}

	return nil
}
