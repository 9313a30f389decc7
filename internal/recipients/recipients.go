// Package recipients loads the (name, email) pairs that seed conversation
// initiation.
package recipients

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/models"
)

// LoadCSV reads recipients from a CSV file with Name and Email_Address
// columns. Rows with a missing name or email are skipped, and duplicate
// emails are collapsed to their first occurrence, preserving order.
func LoadCSV(path string) ([]models.Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	nameCol, emailCol := -1, -1
	for i, col := range records[0] {
		switch strings.TrimSpace(col) {
		case "Name":
			nameCol = i
		case "Email_Address":
			emailCol = i
		}
	}
	if nameCol < 0 || emailCol < 0 {
		return nil, fmt.Errorf("recipients file must have Name and Email_Address columns")
	}

	seen := make(map[string]bool)
	var out []models.Recipient
	for _, row := range records[1:] {
		if len(row) <= nameCol || len(row) <= emailCol {
			continue
		}
		name := strings.TrimSpace(row[nameCol])
		email := strings.ToLower(strings.TrimSpace(row[emailCol]))
		if name == "" || email == "" {
			continue
		}
		if seen[email] {
			logrus.Debugf("Skipping duplicate recipient %s", email)
			continue
		}
		seen[email] = true
		out = append(out, models.Recipient{Name: name, Email: email})
	}

	logrus.Infof("Loaded %d recipients from %s", len(out), path)
	return out, nil
}
