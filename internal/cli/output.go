// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-dps.
//
// go-dps is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/auth"
	"github.com/jeremyhahn/go-dps/pkg/provisioning"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintRegistration prints the final registration state
func (p *Printer) PrintRegistration(result *provisioning.DeviceRegistrationResult) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(result)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Registration ID: %s\n", result.RegistrationID)
		fmt.Fprintf(p.writer, "Status:          %s\n", result.Status)
		if result.Substatus != "" {
			fmt.Fprintf(p.writer, "Substatus:       %s\n", result.Substatus)
		}
		if result.AssignedHub != "" {
			fmt.Fprintf(p.writer, "Assigned Hub:    %s\n", result.AssignedHub)
			fmt.Fprintf(p.writer, "Device ID:       %s\n", result.DeviceID)
		}
		if len(result.Payload) > 0 {
			fmt.Fprintf(p.writer, "Payload:         %s\n", result.Payload)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintStatus prints one status query response
func (p *Printer) PrintStatus(result *provisioning.RegistrationResult, retryAfter time.Duration) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"operationId":       result.OperationID,
			"status":            result.Status,
			"registrationState": result.RegistrationState,
			"retryAfter":        retryAfter.Seconds(),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Operation ID: %s\n", result.OperationID)
		fmt.Fprintf(p.writer, "Status:       %s\n", result.Status)
		if !result.Terminal() {
			fmt.Fprintf(p.writer, "Retry After:  %s\n", retryAfter)
		}
		if state := result.RegistrationState; state != nil && state.AssignedHub != "" {
			fmt.Fprintf(p.writer, "Assigned Hub: %s\n", state.AssignedHub)
			fmt.Fprintf(p.writer, "Device ID:    %s\n", state.DeviceID)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintValue prints a single named value such as a key or an id
func (p *Printer) PrintValue(name, value string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]string{name: value})
	case OutputFormatText:
		fmt.Fprintln(p.writer, value)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCredentials prints hub credentials minted by the authentication provider
func (p *Printer) PrintCredentials(creds *auth.Credentials) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"host":                  creds.Host,
			"deviceId":              creds.DeviceID,
			"sharedAccessSignature": creds.SharedAccessSignature,
			"expiry":                creds.Expiry.UTC().Format(time.RFC3339),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "HostName=%s;DeviceId=%s;SharedAccessSignature=%s\n",
			creds.Host, creds.DeviceID, creds.SharedAccessSignature)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
		var regErr *provisioning.RegistrationError
		if errors.As(err, &regErr) {
			out["errorCode"] = regErr.ErrorCode
			out["trackingId"] = regErr.TrackingID
		}
		return p.printJSON(out)
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
