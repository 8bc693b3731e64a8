package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <token>",
	Short: "Hash a gateway bearer token for the config file",
	Long: `Hash a bearer token for use in the gateway token list.

The gateway config stores SHA-256 hashes, never raw tokens. Paste the
output into gateway.tokens[].key_hash.

Examples:
  proofscan hash-key my-secret-token`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sum := sha256.Sum256([]byte(args[0]))
		fmt.Printf("sha256:%s\n", hex.EncodeToString(sum[:]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
