// Command yagnactl is a small operator CLI over yagnad's local REST API
// surface: it lists Allocations and checks Invoice status
// without requiring the full yagna-cli command tree spec.md §1's
// Non-goals leave out of scope for this repo.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

type rootOpts struct {
	APIListen string `long:"api-listen" env:"API_LISTEN" default:"127.0.0.1:7465" description:"Address of the daemon's local API surface."`
	AppKey    string `long:"app-key" env:"YAGNA_APPKEY" description:"Bearer app-key token, if the daemon was started with an auth secret."`
}

type allocationsCmd struct {
	OwnerID string `long:"owner-id" required:"true" description:"Owner id to list allocations for."`
}

type invoiceCmd struct {
	Args struct {
		InvoiceID string `positional-arg-name:"invoice-id"`
	} `positional-args:"yes" required:"yes"`
}

type opts struct {
	rootOpts
	Allocations allocationsCmd `command:"allocations" description:"List allocations for an owner."`
	Invoice     invoiceCmd     `command:"invoice" description:"Show a single invoice's status."`
}

func main() {
	var o opts
	parser := flags.NewParser(&o, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		client := &httpClient{base: "http://" + o.APIListen, appKey: o.AppKey}
		switch c := cmd.(type) {
		case *allocationsCmd:
			return runAllocations(client, *c)
		case *invoiceCmd:
			return runInvoice(client, *c)
		default:
			return cmd.Execute(args)
		}
	}
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

// httpClient is a thin wrapper over net/http that carries the bearer
// app-key the same way internal/api's authMiddleware expects it.
type httpClient struct {
	base   string
	appKey string
}

func (c *httpClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.appKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.appKey)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("contacting yagnad at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("yagnad returned %s: %s", resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

type allocationRow struct {
	AllocationID    string `json:"allocationId"`
	PaymentPlatform string `json:"paymentPlatform"`
	TotalAmount     string `json:"totalAmount"`
	SpentAmount     string `json:"spentAmount"`
	Status          string `json:"status"`
}

func runAllocations(c *httpClient, cmd allocationsCmd) error {
	var rows []allocationRow
	if err := c.get("/payment-api/v1/allocations?ownerId="+cmd.OwnerID, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println(yellow("no allocations found"))
		return nil
	}
	for _, a := range rows {
		status := a.Status
		switch a.Status {
		case "Active":
			status = green(a.Status)
		case "Gone":
			status = red(a.Status)
		default:
			status = yellow(a.Status)
		}
		fmt.Printf("%s  %-18s  %-8s spent=%-8s status=%s\n", a.AllocationID, a.PaymentPlatform, a.TotalAmount, a.SpentAmount, status)
	}
	return nil
}

// invoiceRow mirrors internal/store.Invoice's field names: the
// invoices endpoints marshal the store type directly rather than
// through a dedicated wire-body type.
type invoiceRow struct {
	ID          string
	AgreementID string
	Amount      string
	Status      string
}

func runInvoice(c *httpClient, cmd invoiceCmd) error {
	var row invoiceRow
	if err := c.get("/payment-api/v1/invoices/"+cmd.Args.InvoiceID, &row); err != nil {
		return err
	}
	status := row.Status
	switch row.Status {
	case "Accepted", "Settled":
		status = green(row.Status)
	case "Rejected", "Cancelled", "Failed":
		status = red(row.Status)
	default:
		status = yellow(row.Status)
	}
	fmt.Printf("invoice %s  agreement=%s  amount=%s  status=%s\n", row.ID, row.AgreementID, row.Amount, status)
	return nil
}
