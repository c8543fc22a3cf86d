// Command offcrypt inspects, decrypts, and encrypts password-protected
// Microsoft Office documents stored in Compound File Binary containers.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "offcrypt",
	Short: "Office document encryption tool",
	Long: `offcrypt works with password-protected Microsoft Office documents:
  - OOXML Agile encryption (AES-CBC, SHA-2 key derivation, HMAC integrity)
  - OOXML Standard encryption (AES, fixed 50,000 iteration key derivation)
  - Legacy BIFF8 workbook streams encrypted with RC4 CryptoAPI`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
