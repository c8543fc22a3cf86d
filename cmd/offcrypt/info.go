package main

import (
	"fmt"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"github.com/fcwoknhenuxdfiyv/offcrypto/biff"
	"github.com/fcwoknhenuxdfiyv/offcrypto/cfb"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE",
	Short: "Show encryption details of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	doc, err := cfb.Open(args[0])
	if err != nil {
		return err
	}

	si, err := offcrypto.Detect(doc)
	if err != nil {
		return err
	}
	if si != nil {
		return printOOXMLInfo(doc, si)
	}

	// no EncryptionInfo stream, try a legacy BIFF workbook
	for _, name := range []string{"Workbook", "Book"} {
		wb, err := doc.ReadStream(name)
		if err != nil {
			continue
		}
		fp, err := biff.Detect(wb)
		if err != nil {
			return err
		}
		if fp == nil {
			fmt.Printf("%s: stream '%s' is not encrypted\n", args[0], name)
			return nil
		}
		fmt.Printf("Scheme:    RC4 CryptoAPI (BIFF8 FILEPASS)\n")
		fmt.Printf("Version:   %d.%d\n", fp.VersionMajor, fp.VersionMinor)
		fmt.Printf("Key size:  %d bits\n", fp.KeySizeBits)
		fmt.Printf("Hash:      SHA1\n")
		return nil
	}

	fmt.Printf("%s: not encrypted\n", args[0])
	return nil
}

func printOOXMLInfo(doc cfb.Document, si *offcrypto.SchemeInfo) error {
	info, err := doc.ReadStream(offcrypto.StreamEncryptionInfo)
	if err != nil {
		info, err = doc.ReadStream(offcrypto.StreamEncryptionInfoLegacy)
		if err != nil {
			return err
		}
	}
	d, err := offcrypto.ParseDescriptor(info)
	if err != nil {
		return err
	}
	fmt.Printf("Scheme:    %s\n", d.Scheme)
	fmt.Printf("Version:   %d.%d\n", si.VersionMajor, si.VersionMinor)
	switch d.Scheme {
	case offcrypto.SchemeStandard:
		fmt.Printf("Cipher:    AES-%d\n", d.Standard.KeyBits)
		fmt.Printf("Hash:      %s\n", d.Standard.HashAlgorithm)
		fmt.Printf("CSP:       %s\n", d.Standard.CSPName)
	case offcrypto.SchemeAgile:
		kd := d.Agile.KeyData
		pk := d.Agile.PasswordKey
		fmt.Printf("Cipher:    %s-%d (%s)\n", kd.CipherAlgorithm, kd.KeyBits, kd.CipherChaining)
		fmt.Printf("Hash:      %s\n", kd.HashAlgorithm)
		fmt.Printf("Spins:     %d\n", pk.SpinCount)
		if d.Agile.Integrity != nil {
			fmt.Printf("Integrity: HMAC present\n")
		} else {
			fmt.Printf("Integrity: none\n")
		}
	}
	return nil
}
