package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	nuonuo "github.com/nuonuo-sdk/nuonuo-go"
	"github.com/nuonuo-sdk/nuonuo-go/internal/signature"
	"github.com/spf13/cobra"
)

func newExecCommand(a *app) *cobra.Command {
	var taxNumber, code string

	cmd := &cobra.Command{
		Use:   "exec <method> [payload|-]",
		Short: "Call a business API method",
		Long: `Call a business API method and print the platform's reply.

The payload is a JSON document given as the second argument, or read from
stdin when the argument is "-". Without a payload an empty object is sent.

Examples:
  nuonuo exec nuonuo.OpeMplatform.queryInvoiceResult '{"serialNos":["20260301000001"]}'
  cat request.json | nuonuo exec nuonuo.OpeMplatform.requestBillingNew -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}

			defer a.close(cmd.Context())
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			resp, err := client.Execute(cmd.Context(), args[0], payload, callOptions(taxNumber, code)...)
			if err != nil {
				return err
			}

			if resp.TokenError != nil {
				if err := writeJSON(cmd.OutOrStdout(), resp.TokenError); err != nil {
					return err
				}
				return fmt.Errorf("token grant refused: %s", resp.TokenError.Error)
			}

			if _, err := cmd.OutOrStdout().Write(append(resp.Body, '\n')); err != nil {
				return err
			}
			if resp.OK() {
				return nil
			}
			if result, err := resp.Result(); err == nil && result.Code != "" {
				return fmt.Errorf("%s returned %s: %s", args[0], result.Code, result.Describe)
			}
			return fmt.Errorf("%s failed with status %d", args[0], resp.StatusCode)
		},
	}

	cmd.Flags().StringVar(&taxNumber, "tax", "", "tax number to act for (default: configured userTax)")
	cmd.Flags().StringVar(&code, "code", "", "authorization code, for service-provider applications")

	return cmd
}

func newTokenCommand(a *app) *cobra.Command {
	var taxNumber, code string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the access token the client would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close(cmd.Context())
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			tok, err := client.AccessToken(cmd.Context(), callOptions(taxNumber, code)...)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), tok); err != nil {
				return err
			}
			if tok.Failed() {
				return fmt.Errorf("token grant refused: %s", tok.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taxNumber, "tax", "", "tax number to act for (default: configured userTax)")
	cmd.Flags().StringVar(&code, "code", "", "authorization code, for service-provider applications")

	return cmd
}

func newRefreshCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <refresh-token>",
		Short: "Exchange a service-provider refresh token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close(cmd.Context())
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			tok, err := client.RefreshToken(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, nuonuo.ErrMissingOAuthUser) {
				return err
			}
			if writeErr := writeJSON(cmd.OutOrStdout(), tok); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return err
			}
			if tok.Failed() {
				return fmt.Errorf("token grant refused: %s", tok.Error)
			}
			return nil
		},
	}
}

type signOutput struct {
	Canonical string `json:"canonical"`
	Signature string `json:"signature"`
	Senid     string `json:"senid"`
	Nonce     int    `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

func newSignCommand() *cobra.Command {
	var (
		path, appKey, appSecret, body, senid string
		nonce                                int
		timestamp                            int64
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute a request signature offline",
		Long: `Compute the X-Nuonuo-Sign value for a request. Omitted identifiers are
generated. The app secret defaults to NUONUO_APP_SECRET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appSecret == "" {
				return errors.New("--secret or NUONUO_APP_SECRET is required")
			}
			if senid == "" {
				senid = signature.NewSenid()
			}
			if nonce == 0 {
				nonce = signature.NewNonce()
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}

			req := signature.Request{
				Path:      path,
				AppKey:    appKey,
				Senid:     senid,
				Nonce:     nonce,
				Timestamp: timestamp,
				Body:      body,
			}

			canonical, err := signature.Canonical(req)
			if err != nil {
				return err
			}
			sig, err := signature.Sign(appSecret, req)
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), signOutput{
				Canonical: canonical,
				Signature: sig,
				Senid:     senid,
				Nonce:     nonce,
				Timestamp: timestamp,
			})
		},
	}

	cmd.Flags().StringVar(&path, "path", "/open/v1/services", "request path")
	cmd.Flags().StringVar(&appKey, "key", envOr("NUONUO_APP_KEY", ""), "application key")
	cmd.Flags().StringVar(&appSecret, "secret", envOr("NUONUO_APP_SECRET", ""), "application secret")
	cmd.Flags().StringVar(&body, "body", "{}", "request body exactly as sent")
	cmd.Flags().StringVar(&senid, "senid", "", "request identifier (default: generated)")
	cmd.Flags().IntVar(&nonce, "nonce", 0, "nonce (default: generated)")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp in seconds (default: now)")

	return cmd
}

func newSenidCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "senid",
		Short: "Print a new request identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), signature.NewSenid())
			return err
		},
	}
}

func callOptions(taxNumber, code string) []nuonuo.CallOption {
	var opts []nuonuo.CallOption
	if taxNumber != "" {
		opts = append(opts, nuonuo.WithTaxNumber(taxNumber))
	}
	if code != "" {
		opts = append(opts, nuonuo.WithAuthorizationCode(code))
	}
	return opts
}

func readPayload(stdin io.Reader, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("{}"), nil
	}

	data := []byte(args[0])
	if args[0] == "-" {
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}
