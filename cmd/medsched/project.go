package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-medsched/internal/conventions"
	"github.com/drfirst/go-medsched/internal/fhir/mapper"
	fhir "github.com/drfirst/go-medsched/internal/fhir/r5"
	"github.com/drfirst/go-medsched/internal/schedule"
	"github.com/drfirst/go-medsched/internal/timing"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project <file>",
		Short: "Print a month of doses for the medications in a JSON file",
		Long: "Reads either a MedicationData document or a FHIR Bundle of MedicationStatement\n" +
			"resources and prints every dose due in the requested month.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, _ := cmd.Flags().GetString("month")
			start, _ := cmd.Flags().GetString("start")
			convFile, _ := cmd.Flags().GetString("conventions")
			return runProject(cmd.OutOrStdout(), args[0], month, start, convFile)
		},
	}

	now := time.Now()
	cmd.Flags().String("month", now.Format("2006-01"), "month to print (YYYY-MM)")
	cmd.Flags().String("start", now.Format(schedule.DateLayout), "regimen start date (YYYY-MM-DD)")
	cmd.Flags().String("conventions", "", "YAML file with alternate scheduling conventions")
	return cmd
}

func runProject(out io.Writer, path, month, start, convFile string) error {
	m, err := time.Parse("2006-01", month)
	if err != nil {
		return fmt.Errorf("month must be YYYY-MM: %w", err)
	}
	regimenStart, err := time.Parse(schedule.DateLayout, start)
	if err != nil {
		return fmt.Errorf("start must be YYYY-MM-DD: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	meds, err := decodeMedications(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	proj := schedule.NewProjector(nil)
	if convFile != "" {
		conv, err := conventions.Load(convFile)
		if err != nil {
			return err
		}
		proj = schedule.NewProjector(conv)
	}

	days := proj.MonthGrid(meds, m.Year(), m.Month(), regimenStart)
	return writeMonth(out, days)
}

// decodeMedications accepts a MedicationData document or a FHIR Bundle.
func decodeMedications(data []byte) ([]timing.MedicationStatement, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if probe.ResourceType == "Bundle" {
		var b fhir.Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return mapper.FromBundle(&b)
	}

	var md timing.MedicationData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return md.MedicationStatements, nil
}

func writeMonth(out io.Writer, days []schedule.Day) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tMEDICATION\tDOSE\tTIMES\tNOTES")
	for _, day := range days {
		for _, d := range day.Doses {
			occ := d.Occurrence
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				day.Date, d.Medication, formatDose(occ), formatTimes(occ), formatNotes(occ))
		}
	}
	return tw.Flush()
}

func formatDose(occ *schedule.DoseOccurrence) string {
	amount := fmt.Sprintf("%g", occ.DoseAmount)
	if occ.DoseUnit == "" {
		return amount
	}
	return amount + " " + occ.DoseUnit
}

func formatTimes(occ *schedule.DoseOccurrence) string {
	if occ.AsNeeded {
		return fmt.Sprintf("as needed, max %d", occ.Max)
	}
	return strings.Join(occ.Times, " ")
}

func formatNotes(occ *schedule.DoseOccurrence) string {
	var notes []string
	if len(occ.TimeCategories) > 0 {
		notes = append(notes, strings.Join(occ.TimeCategories, ","))
	}
	if occ.Degraded {
		notes = append(notes, "timing missing")
	}
	if len(notes) == 0 {
		return "-"
	}
	return strings.Join(notes, "; ")
}
