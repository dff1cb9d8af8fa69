package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string

	rootCmd = &cobra.Command{
		Use:   "idlectl",
		Short: "Operator CLI for the idlewatch fleet server",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s",
		envOr("IDLECTL_SERVER", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t",
		os.Getenv("IDLECTL_TOKEN"), "Session token (defaults to IDLECTL_TOKEN)")

	machinesCmd.Flags().String("status", "", "Filter by status (online, idle, offline)")
	machinesCmd.Flags().String("search", "", "Filter by hostname or MAC substring")
	heartbeatsCmd.Flags().Int("hours", 24, "History window in hours")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(machinesCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(heartbeatsCmd)
	rootCmd.AddCommand(sleepCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func apiRequest(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Error formatting output: %v", err)
	}
	fmt.Println(string(data))
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and print a session token",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		var out struct {
			Token     string `json:"token"`
			Username  string `json:"username"`
			ExpiresIn int64  `json:"expires_in"`
		}
		err = apiRequest(http.MethodPost, "/api/auth/login", map[string]string{
			"username": args[0],
			"password": strings.TrimRight(password, "\r\n"),
		}, &out)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}

		fmt.Fprintf(os.Stderr, "Logged in as %s (token valid %ds)\n", out.Username, out.ExpiresIn)
		fmt.Printf("export IDLECTL_TOKEN=%s\n", out.Token)
	},
}

type machineRow struct {
	ID               int64   `json:"id"`
	MACAddress       string  `json:"mac_address"`
	Hostname         string  `json:"hostname"`
	OSType           string  `json:"os_type"`
	Status           string  `json:"status"`
	LastSeen         *string `json:"last_seen"`
	TotalIdleSeconds int64   `json:"total_idle_seconds"`
	EnergyWastedKWH  float64 `json:"energy_wasted_kwh"`
}

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List machines",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")

		path := "/api/machines"
		query := []string{}
		if status != "" {
			query = append(query, "status="+status)
		}
		if search != "" {
			query = append(query, "search="+search)
		}
		if len(query) > 0 {
			path += "?" + strings.Join(query, "&")
		}

		var out struct {
			Machines []machineRow `json:"machines"`
			Count    int          `json:"count"`
		}
		if err := apiRequest(http.MethodGet, path, nil, &out); err != nil {
			log.Fatalf("Error listing machines: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tMAC\tOS\tSTATUS\tLAST SEEN\tIDLE\tWASTED kWh")
		for _, m := range out.Machines {
			lastSeen := "never"
			if m.LastSeen != nil {
				lastSeen = *m.LastSeen
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%.3f\n",
				m.ID, m.Hostname, m.MACAddress, m.OSType, m.Status, lastSeen,
				(time.Duration(m.TotalIdleSeconds) * time.Second).String(), m.EnergyWastedKWH)
		}
		w.Flush()
		fmt.Printf("%d machine(s)\n", out.Count)
	},
}

var showCmd = &cobra.Command{
	Use:   "show [machine-id]",
	Short: "Show one machine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out json.RawMessage
		if err := apiRequest(http.MethodGet, "/api/machines/"+args[0], nil, &out); err != nil {
			log.Fatalf("Error fetching machine: %v", err)
		}
		printJSON(out)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [machine-id]",
	Short: "Delete a machine and its history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiRequest(http.MethodDelete, "/api/machines/"+args[0], nil, nil); err != nil {
			log.Fatalf("Error deleting machine: %v", err)
		}
		fmt.Println("Machine deleted")
	},
}

var heartbeatsCmd = &cobra.Command{
	Use:   "heartbeats [machine-id]",
	Short: "Show recent heartbeats for a machine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hours, _ := cmd.Flags().GetInt("hours")

		var out struct {
			Heartbeats []struct {
				Timestamp   string  `json:"timestamp"`
				IdleSeconds int64   `json:"idle_seconds"`
				CPUUsage    float64 `json:"cpu_usage"`
				MemoryUsage float64 `json:"memory_usage"`
				IsIdle      bool    `json:"is_idle"`
			} `json:"heartbeats"`
			Count int `json:"count"`
		}
		path := fmt.Sprintf("/api/machines/%s/heartbeats?hours=%d", args[0], hours)
		if err := apiRequest(http.MethodGet, path, nil, &out); err != nil {
			log.Fatalf("Error fetching heartbeats: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tIDLE s\tCPU %\tMEM %\tIDLE?")
		for _, hb := range out.Heartbeats {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%v\n",
				hb.Timestamp, hb.IdleSeconds, hb.CPUUsage, hb.MemoryUsage, hb.IsIdle)
		}
		w.Flush()
		fmt.Printf("%d heartbeat(s)\n", out.Count)
	},
}

func enqueue(command string) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		var out struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		}
		err := apiRequest(http.MethodPost, "/api/machines/"+args[0]+"/"+command, nil, &out)
		if err != nil {
			log.Fatalf("Error sending %s: %v", command, err)
		}
		fmt.Printf("Command %d queued (%s)\n", out.ID, out.Status)
	}
}

var sleepCmd = &cobra.Command{
	Use:   "sleep [machine-id]",
	Short: "Queue a sleep command for a machine",
	Args:  cobra.ExactArgs(1),
	Run:   enqueue("sleep"),
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [machine-id]",
	Short: "Queue a shutdown command for a machine",
	Args:  cobra.ExactArgs(1),
	Run:   enqueue("shutdown"),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet-wide statistics",
	Run: func(cmd *cobra.Command, args []string) {
		var out struct {
			TotalMachines      int64   `json:"total_machines"`
			Online             int64   `json:"online"`
			Idle               int64   `json:"idle"`
			Offline            int64   `json:"offline"`
			TotalIdleSeconds   int64   `json:"total_idle_seconds"`
			TotalActiveSeconds int64   `json:"total_active_seconds"`
			EnergyWastedKWH    float64 `json:"energy_wasted_kwh"`
			EnergyCost         float64 `json:"energy_cost"`
			EstimatedDrawWatts float64 `json:"estimated_draw_watts"`
		}
		if err := apiRequest(http.MethodGet, "/api/stats", nil, &out); err != nil {
			log.Fatalf("Error fetching stats: %v", err)
		}

		fmt.Printf("Machines:        %d (online %d, idle %d, offline %d)\n",
			out.TotalMachines, out.Online, out.Idle, out.Offline)
		fmt.Printf("Idle time:       %s\n", (time.Duration(out.TotalIdleSeconds) * time.Second).String())
		fmt.Printf("Active time:     %s\n", (time.Duration(out.TotalActiveSeconds) * time.Second).String())
		fmt.Printf("Energy wasted:   %.3f kWh (%.2f)\n", out.EnergyWastedKWH, out.EnergyCost)
		fmt.Printf("Estimated draw:  %.0f W\n", out.EstimatedDrawWatts)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the maintenance sweep now",
	Run: func(cmd *cobra.Command, args []string) {
		var out struct {
			MarkedOffline    int64 `json:"marked_offline"`
			ExpiredCommands  int64 `json:"expired_commands"`
			PrunedHeartbeats int64 `json:"pruned_heartbeats"`
		}
		if err := apiRequest(http.MethodPost, "/api/maintenance/sweep", nil, &out); err != nil {
			log.Fatalf("Error running sweep: %v", err)
		}
		fmt.Printf("Marked offline: %d, expired commands: %d, pruned heartbeats: %d\n",
			out.MarkedOffline, out.ExpiredCommands, out.PrunedHeartbeats)
	},
}
