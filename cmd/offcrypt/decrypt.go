package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"github.com/fcwoknhenuxdfiyv/offcrypto/biff"
	"github.com/fcwoknhenuxdfiyv/offcrypto/cfb"
	"github.com/spf13/cobra"
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a password-protected document",
	Long: `Decrypt a password-protected Office document.

For OOXML documents (Agile or Standard encryption) the output is the
decrypted package, a plain zip archive. For legacy BIFF8 workbooks the
output is a compound file with the workbook stream decrypted in place.

Examples:
  offcrypt decrypt -i protected.xlsx -o plain.xlsx
  offcrypt decrypt -i book.xls -o plain.xls -p "secret"
  echo "secret" | offcrypt decrypt -i protected.docx -o plain.docx`,
	RunE: runDecrypt,
}

var (
	decInput         string
	decOutput        string
	decPassword      string
	decSkipIntegrity bool
	decMaxSpins      uint32
)

func init() {
	rootCmd.AddCommand(decryptCmd)
	decryptCmd.Flags().StringVarP(&decInput, "input", "i", "", "input document")
	decryptCmd.Flags().StringVarP(&decOutput, "output", "o", "", "output file")
	decryptCmd.Flags().StringVarP(&decPassword, "password", "p", "", "password (prompted if not given)")
	decryptCmd.Flags().BoolVar(&decSkipIntegrity, "skip-integrity", false, "skip HMAC integrity verification")
	decryptCmd.Flags().Uint32Var(&decMaxSpins, "max-spin-count", 0, "override the spin count ceiling")
	_ = decryptCmd.MarkFlagRequired("input")
	_ = decryptCmd.MarkFlagRequired("output")
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	doc, err := cfb.Open(decInput)
	if err != nil {
		return err
	}

	si, err := offcrypto.Detect(doc)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if si != nil {
		password, err := getPassword(decPassword, "Password: ")
		if err != nil {
			return err
		}
		cfg := offcrypto.Config{
			MaxSpinCount:  decMaxSpins,
			SkipIntegrity: decSkipIntegrity,
		}
		pkg, err := offcrypto.DecryptWith(ctx, doc, password, cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(decOutput, pkg, 0644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Decrypted package written to %s\n", decOutput)
		return nil
	}

	// legacy BIFF workbook path
	for _, name := range []string{"Workbook", "Book"} {
		wb, err := doc.ReadStream(name)
		if err != nil {
			continue
		}
		fp, err := biff.Detect(wb)
		if err != nil {
			return err
		}
		password := ""
		if fp != nil {
			password, err = getPassword(decPassword, "Password (empty for the Excel default): ")
			if err != nil {
				return err
			}
		}
		plain, err := biff.DecryptStream(ctx, wb, password)
		if err != nil {
			return err
		}
		if err := rewriteContainer(doc, name, plain, decOutput); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Decrypted workbook written to %s\n", decOutput)
		return nil
	}

	return fmt.Errorf("%s: no encrypted content found", decInput)
}

// rewriteContainer copies every stream of src into a fresh compound file,
// substituting the named stream's contents.
func rewriteContainer(src cfb.Document, replace string, contents []byte, filename string) error {
	w := cfb.NewWriter()
	names, err := src.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		data := contents
		if name != replace {
			data, err = src.ReadStream(name)
			if err != nil {
				return err
			}
		}
		if err := w.WriteStream(name, data); err != nil {
			return err
		}
	}
	return w.Save(filename)
}
