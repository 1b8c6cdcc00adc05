// Solar Controller Database CLI Tool
// Provides read-only command-line access to the controller history
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/offgrid/solar-controller/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "solar-db",
		Short: "Solar Controller Database CLI",
		Long:  "Command-line tool for inspecting the solar controller history database.",
	}

	readingsCmd = &cobra.Command{
		Use:   "readings",
		Short: "Show inverter readings",
		RunE:  showReadings,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [device-id]",
		Short: "Show actuation events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEvents,
	}

	energyCmd = &cobra.Command{
		Use:   "energy [YYYY-MM-DD]",
		Short: "Show per-device energy of a day",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEnergy,
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List the last known device states",
		RunE:  listDevices,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/solar-controller/history.db", "Database file path")

	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(energyCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flag(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := db.GetRecentReadings(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTATE\tBATTERY\tSOC\tPV\tLOAD\tTIME\tPUB")
	fmt.Fprintln(w, "--\t------\t-----\t-------\t---\t--\t----\t----\t---")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Source, r.WorkingState,
			optional(r.BatteryVoltage, "%.2fV"), optional(r.BatteryCapacity, "%.0f%%"),
			optional(r.PVTotalPower, "%.0fW"), optional(r.OutputPower, "%.0fW"),
			r.Timestamp.Local().Format("01-02 15:04:05"), flag(r.Published))
	}
	return w.Flush()
}

func showEvents(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID := ""
	if len(args) > 0 {
		deviceID = args[0]
	}
	events, err := db.GetRecentEvents(deviceID, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tACTION\tVALUE\tOK\tREASON\tTIME\tPUB")
	fmt.Fprintln(w, "------\t------\t-----\t--\t------\t----\t---")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%g\t%s\t%s\t%s\t%s\n",
			ev.DeviceID, ev.Action, ev.Value, flag(ev.Success), ev.Reason,
			ev.Timestamp.Local().Format("01-02 15:04:05"), flag(ev.Published))
	}
	return w.Flush()
}

func showEnergy(cmd *cobra.Command, args []string) error {
	day := time.Now().Format("2006-01-02")
	if len(args) > 0 {
		if _, err := time.Parse("2006-01-02", args[0]); err != nil {
			return fmt.Errorf("day must be YYYY-MM-DD: %w", err)
		}
		day = args[0]
	}

	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.GetDailyEnergy(day)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Energy for %s\n", day)
	fmt.Fprintln(w, "DEVICE\tRUN TIME\tENERGY\tUPDATED")
	fmt.Fprintln(w, "------\t--------\t------\t-------")
	var total float64
	for _, e := range rows {
		total += e.EnergyWh
		run := (time.Duration(e.RunSeconds) * time.Second).String()
		fmt.Fprintf(w, "%s\t%s\t%.1fWh\t%s\n", e.DeviceID, run, e.EnergyWh, e.UpdatedAt.Local().Format("15:04"))
	}
	fmt.Fprintf(w, "TOTAL\t\t%.1fWh\t\n", total)
	return w.Flush()
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.GetAllDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tGATEWAY\tON\tUPDATED")
	fmt.Fprintln(w, "--\t----\t----\t-------\t--\t-------")
	for _, d := range devices {
		gateway := d.GatewayID
		if gateway == "" {
			gateway = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Type, gateway, flag(d.IsOn), d.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
