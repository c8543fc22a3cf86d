package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"github.com/fcwoknhenuxdfiyv/offcrypto/cfb"
	"github.com/spf13/cobra"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a package with Agile encryption",
	Long: `Encrypt an OOXML package (a zip archive such as an .xlsx or .docx
file) into a password-protected compound file using Agile encryption.

Examples:
  offcrypt encrypt -i plain.xlsx -o protected.xlsx
  offcrypt encrypt -i plain.docx -o protected.docx --key-bits 128 --hash SHA256`,
	RunE: runEncrypt,
}

var (
	encInput    string
	encOutput   string
	encPassword string
	encKeyBits  int
	encHash     string
	encSpins    uint32
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	encryptCmd.Flags().StringVarP(&encInput, "input", "i", "", "input package")
	encryptCmd.Flags().StringVarP(&encOutput, "output", "o", "", "output file")
	encryptCmd.Flags().StringVarP(&encPassword, "password", "p", "", "password (prompted if not given)")
	encryptCmd.Flags().IntVar(&encKeyBits, "key-bits", 256, "AES key size: 128, 192 or 256")
	encryptCmd.Flags().StringVar(&encHash, "hash", "SHA512", "hash algorithm: SHA1, SHA256, SHA384 or SHA512")
	encryptCmd.Flags().Uint32Var(&encSpins, "spin-count", 100000, "password KDF iterations")
	_ = encryptCmd.MarkFlagRequired("input")
	_ = encryptCmd.MarkFlagRequired("output")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	pkg, err := os.ReadFile(encInput)
	if err != nil {
		return err
	}
	password, err := getPasswordWithConfirm(encPassword, "Password: ", "Confirm password: ")
	if err != nil {
		return err
	}

	w := cfb.NewWriter()
	opts := &offcrypto.EncryptOptions{
		KeyBits:   encKeyBits,
		Hash:      encHash,
		SpinCount: encSpins,
	}
	if err := offcrypto.Encrypt(context.Background(), w, pkg, password, opts); err != nil {
		return err
	}
	if err := w.Save(encOutput); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Encrypted document written to %s\n", encOutput)
	return nil
}
