package agent

import (
	"os"
	"strings"
)

// readSQLFileLines splits a promotion/demotion SQL file (spec.md §4.4
// promotion_sql_file / demotion_sql_file) into individual statements on
// semicolons, dropping blank lines and line comments starting with "--".
func readSQLFileLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cleaned strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cleaned.WriteString(line)
		cleaned.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(cleaned.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements, nil
}
