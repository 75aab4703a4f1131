// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package checkout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/autobrr/progate/internal/license"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// TerminalPrompter renders prompts on a terminal for the CLI commands.
type TerminalPrompter struct {
	in     *os.File
	reader *bufio.Reader
	out    io.Writer
}

func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, reader: bufio.NewReader(in), out: out}
}

func (p *TerminalPrompter) OpenCheckout(_ context.Context, product license.Product, url string) error {
	fmt.Fprintf(p.out, "Complete your purchase of %s in a browser:\n\n  %s\n\nWaiting for the checkout to finish...\n", product.DisplayName(), url)
	return nil
}

func (p *TerminalPrompter) RequestLicense(_ context.Context, product license.Product, prefill license.ActivationPrefill) (LicenseInput, error) {
	input := LicenseInput{LicenseKey: prefill.LicenseCode, Email: prefill.Email}
	if input.LicenseKey != "" {
		return input, nil
	}

	fmt.Fprintf(p.out, "Enter license key for %s: ", product.DisplayName())

	if isTerminal(int(p.in.Fd())) {
		key, err := readPassword(int(p.in.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return input, fmt.Errorf("failed to read license key: %w", err)
		}
		input.LicenseKey = strings.TrimSpace(string(key))
		return input, nil
	}

	line, err := p.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return input, fmt.Errorf("failed to read license key: %w", err)
	}
	input.LicenseKey = strings.TrimSpace(line)

	return input, nil
}

func (p *TerminalPrompter) ProductAccess(_ context.Context, product license.Product) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s requires a license.\n", product.DisplayName())
	if product.TrialType != license.TrialTypeNone && product.TrialDays > 0 {
		if product.TrialText != "" {
			fmt.Fprintf(&b, "%s\n", product.TrialText)
		} else {
			fmt.Fprintf(&b, "Try it free for %d days.\n", product.TrialDays)
		}
	}
	if product.Price > 0 {
		fmt.Fprintf(&b, "Buy it for %.2f %s with `progate checkout`, or run `progate activate` if you already have a key.\n", product.Price, product.Currency)
	} else {
		b.WriteString("Run `progate activate` to enter your license key.\n")
	}

	_, err := io.WriteString(p.out, b.String())
	return err
}
