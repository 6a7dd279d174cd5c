package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type Client struct {
	ClientID              string     `json:"client_id"`
	Status                string     `json:"status"`
	IntegrityStatus       string     `json:"integrity_status"`
	CurrentRootHash       *string    `json:"current_root_hash"`
	AttestationValid      bool       `json:"attestation_valid"`
	FileCount             int        `json:"file_count"`
	LastSeen              time.Time  `json:"last_seen"`
	LastHeartbeat         *time.Time `json:"last_heartbeat"`
	MissedHeartbeatCount  int        `json:"missed_heartbeat_count"`
	AttestationErrorCount int        `json:"attestation_error_count"`
	IntegrityChangeCount  int        `json:"integrity_change_count"`
}

type Event struct {
	ID           uint      `json:"id"`
	EventType    string    `json:"event_type"`
	FilePath     string    `json:"file_path"`
	Acknowledged bool      `json:"acknowledged"`
	Reviewed     bool      `json:"reviewed"`
	Timestamp    time.Time `json:"timestamp"`
}

type Interval struct {
	State           string     `json:"state"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fimctl",
		Short: "fimctl - File integrity monitoring operations",
		Long:  "Inspect registered machines, integrity events, and uptime timelines on a FIM server",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "FIM server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("FIM_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		clientsCmd(),
		clientCmd(),
		eventsCmd(),
		uptimeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet integrity and liveness summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := fetchClients()
			if err != nil {
				return err
			}

			online, clean := 0, 0
			for _, cl := range clients {
				if cl.Status == "online" {
					online++
				}
				if cl.IntegrityStatus == "clean" {
					clean++
				}
			}

			fmt.Printf("FIM Fleet Status\n")
			fmt.Printf("================\n\n")
			fmt.Printf("Total Machines:  %d\n", len(clients))
			fmt.Printf("Online:          %d\n", online)
			fmt.Printf("Clean:           %d\n", clean)
			fmt.Printf("Modified:        %d\n", len(clients)-clean)

			return nil
		},
	}
}

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "clients",
		Aliases: []string{"ls", "list"},
		Short:   "List registered machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := fetchClients()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tSTATUS\tINTEGRITY\tFILES\tLAST SEEN")
			fmt.Fprintln(w, "------\t------\t---------\t-----\t---------")

			for _, cl := range clients {
				lastSeen := time.Since(cl.LastSeen).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s ago\n",
					cl.ClientID, cl.Status, cl.IntegrityStatus, cl.FileCount, lastSeen)
			}

			w.Flush()
			return nil
		},
	}
}

func clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client [client-id]",
		Short: "Show details for a specific machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Client     Client `json:"client"`
				Unreviewed int64  `json:"unreviewed_events"`
			}
			if err := fetchJSON("/api/clients/"+args[0], &payload); err != nil {
				return err
			}
			cl := payload.Client

			rootHash := "(none)"
			if cl.CurrentRootHash != nil {
				rootHash = *cl.CurrentRootHash
			}

			fmt.Printf("Machine: %s\n", cl.ClientID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Status:              %s\n", cl.Status)
			fmt.Printf("Integrity:           %s\n", cl.IntegrityStatus)
			fmt.Printf("Attestation Valid:   %v\n", cl.AttestationValid)
			fmt.Printf("Root Hash:           %s\n", rootHash)
			fmt.Printf("Tracked Files:       %d\n", cl.FileCount)
			fmt.Printf("Last Seen:           %s (%s ago)\n", cl.LastSeen.Format(time.RFC3339), time.Since(cl.LastSeen).Round(time.Second))
			fmt.Printf("Missed Heartbeats:   %d\n", cl.MissedHeartbeatCount)
			fmt.Printf("Attestation Errors:  %d\n", cl.AttestationErrorCount)
			fmt.Printf("Unreviewed Events:   %d\n", payload.Unreviewed)

			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var unreviewedOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "events [client-id]",
		Short: "List integrity events for a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/events/%s?limit=%d", args[0], limit)
			if unreviewedOnly {
				path += "&unreviewed_only=true"
			}
			var payload struct {
				Events []Event `json:"events"`
			}
			if err := fetchJSON(path, &payload); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPATH\tACKED\tREVIEWED\tWHEN")
			for _, e := range payload.Events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\t%s\n",
					e.ID, e.EventType, e.FilePath, e.Acknowledged, e.Reviewed, e.Timestamp.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&unreviewedOnly, "unreviewed", false, "Only events awaiting review")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to return")
	return cmd
}

func uptimeCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "uptime [client-id]",
		Short: "Show one day of a machine's uptime timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/clients/" + args[0] + "/uptime"
			if date != "" {
				path += "?date=" + date
			}
			var payload struct {
				From      time.Time  `json:"from"`
				To        time.Time  `json:"to"`
				Intervals []Interval `json:"uptime"`
			}
			if err := fetchJSON(path, &payload); err != nil {
				return err
			}

			fmt.Printf("Uptime %s to %s\n\n", payload.From.Format("2006-01-02 15:04"), payload.To.Format("2006-01-02 15:04"))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tSTART\tEND\tMINUTES")
			for _, iv := range payload.Intervals {
				end := "open"
				if iv.EndTime != nil {
					end = iv.EndTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", iv.State, iv.StartTime.Format(time.RFC3339), end, iv.DurationMinutes)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day to show (YYYY-MM-DD, default today)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fimctl version %s\n", Version)
		},
	}
}

func fetchClients() ([]Client, error) {
	var payload struct {
		Clients []Client `json:"clients"`
	}
	if err := fetchJSON("/api/clients", &payload); err != nil {
		return nil, err
	}
	return payload.Clients, nil
}

func fetchJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
