package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"spechound/internal/types"
)

var contractCmd = &cobra.Command{
	Use:   "contract [contract.yaml]",
	Short: "Validate a category contract",
	Long: `Parses a category contract YAML and checks its structural sanity:
unique field keys, known value types and required levels, and
migration targets that resolve to declared fields.`,
	Args: cobra.ExactArgs(1),
	RunE: runContract,
}

func runContract(cmd *cobra.Command, args []string) error {
	contract, err := loadContract(args[0])
	if err != nil {
		return err
	}

	required, optional := 0, 0
	for _, f := range contract.Fields {
		if f.RequiredLevel == types.LevelOptional {
			optional++
		} else {
			required++
		}
	}
	fmt.Printf("contract %q is valid: %d fields (%d required, %d optional), %d key migrations\n",
		contract.Category, len(contract.Fields), required, optional, len(contract.KeyMigrations))
	return nil
}
