package cli

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-unboxing-go/internal/config"
)

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(configSchema())
		},
	}
}

// configSchema 按 mapstructure 标签生成配置文件的 JSON schema
func configSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:               "mapstructure",
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&config.Config{})
	s.Title = "unboxing configuration"
	return s
}
