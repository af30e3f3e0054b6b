package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var scheduleAddr string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Operate on schedules of a running parallaxd server",
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Manually fire a schedule by ID, per spec.md §4.9's manual trigger operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleTrigger,
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a schedule's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleGet,
}

func init() {
	scheduleCmd.PersistentFlags().StringVar(&scheduleAddr, "addr", "http://localhost:8080", "address of a running parallaxd server")
	scheduleCmd.AddCommand(scheduleTriggerCmd)
	scheduleCmd.AddCommand(scheduleGetCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleTrigger(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/api/schedules/%s/trigger", scheduleAddr, args[0])
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("trigger schedule: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	fmt.Println(string(body))
	return nil
}

func runScheduleGet(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/api/schedules/%s", scheduleAddr, args[0])
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("get schedule: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		enc, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(enc))
		return nil
	}
	fmt.Println(string(body))
	return nil
}
