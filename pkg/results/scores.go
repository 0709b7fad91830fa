// Package results validates and records the artifacts of succeeded jobs.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ScoresFileName is the one artifact every analysis run must produce.
const ScoresFileName = "neighborhood_overall_scores.csv"

// OverallScoreID is the score row summarizing the whole analysis.
const OverallScoreID = "overall_score"

// Score is one row of the overall scores table.
type Score struct {
	ID         string
	Original   *float64
	Normalized *float64
}

// Scores indexes the overall scores table by score id.
type Scores map[string]Score

// Normalized returns the normalized value of a score, if present.
func (s Scores) Normalized(id string) *float64 {
	score, ok := s[id]
	if !ok {
		return nil
	}
	return score.Normalized
}

var errMissingScoreColumns = errors.New("scores file is missing the score_id column")

// ParseScores reads the overall scores CSV. The file carries a header row;
// column order is not assumed. Empty numeric cells parse as absent, which
// the analyzer emits for categories a city has no data for.
func ParseScores(r io.Reader) (Scores, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read scores header: %w", err)
	}

	idCol, origCol, normCol := -1, -1, -1
	for i, name := range header {
		switch name {
		case "score_id":
			idCol = i
		case "score_original":
			origCol = i
		case "score_normalized":
			normCol = i
		}
	}
	if idCol < 0 {
		return nil, errMissingScoreColumns
	}

	scores := make(Scores)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read scores row: %w", err)
		}

		score := Score{ID: row[idCol]}
		if origCol >= 0 {
			score.Original = parseFloatCell(row[origCol])
		}
		if normCol >= 0 {
			score.Normalized = parseFloatCell(row[normCol])
		}
		scores[score.ID] = score
	}
	return scores, nil
}

func parseFloatCell(cell string) *float64 {
	if cell == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return nil
	}
	return &v
}
