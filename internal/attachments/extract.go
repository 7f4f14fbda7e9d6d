// Package attachments derives structural metadata from uploaded files
// so the model sees the shape of the data without the raw bytes being
// pasted into the transcript.
package attachments

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hoonlabs/agentd/pkg/models"
)

const previewLimit = 500

// Extract inspects raw file content and fills a metadata record.
// Inspection failures land in the Error field rather than aborting,
// so a corrupt upload still produces a usable description.
func Extract(name string, data []byte) models.Attachment {
	att := models.Attachment{
		Name: name,
		Type: strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
		Size: int64(len(data)),
	}

	switch att.Type {
	case "csv", "tsv":
		extractTabular(&att, data)
	case "json":
		extractJSON(&att, data)
	case "py", "go", "js", "ts", "java", "rs", "c", "cpp", "h":
		extractSource(&att, data)
	default:
		extractText(&att, data)
	}
	return att
}

func extractTabular(att *models.Attachment, data []byte) {
	r := csv.NewReader(bytes.NewReader(data))
	if att.Type == "tsv" {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1

	headers, err := r.Read()
	if err == io.EOF {
		att.Error = "empty file"
		return
	}
	if err != nil {
		att.Error = fmt.Sprintf("parse csv: %v", err)
		return
	}
	att.Headers = headers

	rows := 0
	for {
		if _, err := r.Read(); err != nil {
			if err != io.EOF {
				att.Error = fmt.Sprintf("parse csv row %d: %v", rows+1, err)
			}
			break
		}
		rows++
	}
	att.Rows = rows
}

func extractJSON(att *models.Attachment, data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		att.Error = fmt.Sprintf("parse json: %v", err)
		return
	}

	switch val := v.(type) {
	case map[string]any:
		att.Structure = "object"
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		att.Keys = keys
	case []any:
		att.Structure = "array"
		att.Rows = len(val)
		// Keys of the first element describe homogeneous record arrays.
		if len(val) > 0 {
			if obj, ok := val[0].(map[string]any); ok {
				keys := make([]string, 0, len(obj))
				for k := range obj {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				att.Keys = keys
			}
		}
	default:
		att.Structure = "scalar"
	}
}

func extractSource(att *models.Attachment, data []byte) {
	lines := splitLines(data)
	att.Lines = len(lines)
	att.Definitions = scanDefinitions(att.Type, lines)
	att.Preview = preview(data)
}

func extractText(att *models.Attachment, data []byte) {
	att.Lines = len(splitLines(data))
	att.Preview = preview(data)
}

// scanDefinitions collects top-level function, type and class names by
// prefix matching. It is deliberately shallow; the model only needs a
// table of contents, not an AST.
func scanDefinitions(ext string, lines []string) []string {
	var prefixes []string
	switch ext {
	case "py":
		prefixes = []string{"def ", "class ", "async def "}
	case "go":
		prefixes = []string{"func ", "type "}
	case "js", "ts":
		prefixes = []string{"function ", "class ", "export function ", "export class ", "export default function "}
	case "java", "c", "cpp", "h", "rs":
		prefixes = []string{"fn ", "struct ", "class ", "impl "}
	}

	var defs []string
	for _, line := range lines {
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) {
				if name := definitionName(line, p); name != "" {
					defs = append(defs, name)
				}
				break
			}
		}
	}
	return defs
}

func definitionName(line, prefix string) string {
	rest := strings.TrimPrefix(line, prefix)
	end := strings.IndexAny(rest, "(:{ <")
	if end == -1 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func splitLines(data []byte) []string {
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func preview(data []byte) string {
	s := string(data)
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}
