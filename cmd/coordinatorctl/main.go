// Command coordinatorctl is an operator/participant CLI client for
// coordinatord's RPC surface (spec.md §6): it never touches MetaStore or
// BlobStore directly, only talks HTTP to a running coordinator.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type clientConfig struct {
	baseURL        string
	participantUID string
	coordinatorKey string
}

func main() {
	cfg := &clientConfig{}

	root := &cobra.Command{
		Use:   "coordinatorctl",
		Short: "Operate and participate in a zk-SNARK trusted setup ceremony",
	}
	root.PersistentFlags().StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "coordinatord base URL")
	root.PersistentFlags().StringVar(&cfg.participantUID, "uid", "", "participant UID (X-Participant-UID)")
	root.PersistentFlags().StringVar(&cfg.coordinatorKey, "coordinator-key", "", "coordinator capability key (X-Coordinator-Key)")

	root.AddCommand(
		newSetupCeremonyCmd(cfg),
		newFinalizeCeremonyCmd(cfg),
		newFinalizeCircuitCmd(cfg),
		newReadyToFinalizeCmd(cfg),
		newJoinCmd(cfg),
		newAdmitCmd(cfg),
		newResumeCmd(cfg),
		newProgressStepCmd(cfg),
		newVerifyCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newFinalizeCeremonyCmd(cfg *clientConfig) *cobra.Command {
	var beaconHex string
	cmd := &cobra.Command{
		Use:   "finalize-ceremony [ceremonyId]",
		Short: "Seal every circuit with the closing beacon and mark the ceremony FINALIZED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.post(fmt.Sprintf("/rpc/ceremonies/%s/finalizeCeremony", args[0]), map[string]string{"entropyBeaconHex": beaconHex}, nil)
		},
	}
	cmd.Flags().StringVar(&beaconHex, "beacon", "", "hex-encoded entropy; drawn from crypto/rand when omitted")
	return cmd
}

func newFinalizeCircuitCmd(cfg *clientConfig) *cobra.Command {
	var beaconHex string
	cmd := &cobra.Command{
		Use:   "finalize-circuit [ceremonyId] [circuitId]",
		Short: "Seal a single circuit with the closing beacon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/rpc/ceremonies/%s/circuits/%s/finalizeCircuit", args[0], args[1])
			return cfg.post(path, map[string]string{"entropyBeaconHex": beaconHex}, nil)
		},
	}
	cmd.Flags().StringVar(&beaconHex, "beacon", "", "hex-encoded entropy; drawn from crypto/rand when omitted")
	return cmd
}

func newReadyToFinalizeCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "ready-to-finalize [ceremonyId]",
		Short: "Check whether every circuit has a valid final contribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Ready bool `json:"ready"`
			}
			path := fmt.Sprintf("/rpc/ceremonies/%s/checkAndPrepareCoordinatorForFinalization", args[0])
			if err := cfg.get(path, &resp); err != nil {
				return err
			}
			fmt.Println(resp.Ready)
			return nil
		},
	}
}

func newJoinCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "join [ceremonyId]",
		Short: "Register this UID against an opened ceremony",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.post(fmt.Sprintf("/rpc/ceremonies/%s/checkParticipantForCeremony", args[0]), nil, nil)
		},
	}
}

func newAdmitCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "admit [ceremonyId]",
		Short: "Request admission to the next circuit's waiting queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.post(fmt.Sprintf("/rpc/ceremonies/%s/progressToNextCircuitForContribution", args[0]), nil, nil)
		},
	}
}

func newResumeCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [ceremonyId]",
		Short: "Re-request participation once a timeout has expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.post(fmt.Sprintf("/rpc/ceremonies/%s/resumeContributionAfterTimeoutExpiration", args[0]), nil, nil)
		},
	}
}

func newProgressStepCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "progress [ceremonyId] [step]",
		Short: "Advance the current contribution to DOWNLOADING|COMPUTING|UPLOADING|VERIFYING",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/rpc/ceremonies/%s/progressToNextContributionStep", args[0])
			return cfg.post(path, map[string]string{"step": args[1]}, nil)
		},
	}
}

func newVerifyCmd(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [ceremonyId] [circuitId]",
		Short: "Dispatch verification of the currently uploaded contribution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/rpc/ceremonies/%s/circuits/%s/verifyContribution", args[0], args[1])
			return cfg.post(path, nil, nil)
		},
	}
}

func newSetupCeremonyCmd(cfg *clientConfig) *cobra.Command {
	var metaFile string
	cmd := &cobra.Command{
		Use:   "setup-ceremony",
		Short: "Create a ceremony from a meta JSON file (circuit artifacts must be uploaded separately)",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := os.ReadFile(metaFile)
			if err != nil {
				return err
			}
			var resp struct {
				CeremonyID string `json:"ceremonyId"`
			}
			if err := cfg.postMultipart(meta, &resp); err != nil {
				return err
			}
			fmt.Println(resp.CeremonyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&metaFile, "meta", "", "path to the setupCeremony request JSON")
	cmd.MarkFlagRequired("meta")
	return cmd
}

func (c *clientConfig) request(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.participantUID != "" {
		req.Header.Set("X-Participant-UID", c.participantUID)
	}
	if c.coordinatorKey != "" {
		req.Header.Set("X-Coordinator-Key", c.coordinatorKey)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func (c *clientConfig) post(path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.request(http.MethodPost, path, &buf, "application/json")
	if err != nil {
		return err
	}
	return decodeOrError(resp, out)
}

func (c *clientConfig) get(path string, out any) error {
	resp, err := c.request(http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return decodeOrError(resp, out)
}

func (c *clientConfig) postMultipart(metaJSON []byte, out any) error {
	var buf bytes.Buffer
	buf.WriteString("--boundary\r\nContent-Disposition: form-data; name=\"meta\"\r\n\r\n")
	buf.Write(metaJSON)
	buf.WriteString("\r\n--boundary--\r\n")
	resp, err := c.request(http.MethodPost, "/rpc/setupCeremony", &buf, "multipart/form-data; boundary=boundary")
	if err != nil {
		return err
	}
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("coordinatord returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
