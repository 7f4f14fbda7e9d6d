package attachments

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractCSV(t *testing.T) {
	att := Extract("sales.csv", []byte("id,name,amount\n1,widget,9.50\n2,gadget,3.25\n"))

	if att.Type != "csv" {
		t.Errorf("type = %q", att.Type)
	}
	if !reflect.DeepEqual(att.Headers, []string{"id", "name", "amount"}) {
		t.Errorf("headers = %v", att.Headers)
	}
	if att.Rows != 2 {
		t.Errorf("rows = %d, want 2", att.Rows)
	}
	if att.Error != "" {
		t.Errorf("unexpected error: %s", att.Error)
	}
}

func TestExtractEmptyCSV(t *testing.T) {
	att := Extract("empty.csv", nil)
	if att.Error == "" {
		t.Error("expected error for empty csv")
	}
}

func TestExtractJSONObject(t *testing.T) {
	att := Extract("config.json", []byte(`{"zeta": 1, "alpha": {"nested": true}}`))

	if att.Structure != "object" {
		t.Errorf("structure = %q", att.Structure)
	}
	if !reflect.DeepEqual(att.Keys, []string{"alpha", "zeta"}) {
		t.Errorf("keys = %v", att.Keys)
	}
}

func TestExtractJSONArrayOfRecords(t *testing.T) {
	att := Extract("users.json", []byte(`[{"id": 1, "email": "a@b.c"}, {"id": 2, "email": "d@e.f"}]`))

	if att.Structure != "array" {
		t.Errorf("structure = %q", att.Structure)
	}
	if att.Rows != 2 {
		t.Errorf("rows = %d", att.Rows)
	}
	if !reflect.DeepEqual(att.Keys, []string{"email", "id"}) {
		t.Errorf("keys = %v", att.Keys)
	}
}

func TestExtractInvalidJSON(t *testing.T) {
	att := Extract("broken.json", []byte(`{"unterminated`))
	if att.Error == "" {
		t.Error("expected parse error")
	}
}

func TestExtractGoSource(t *testing.T) {
	src := "package thing\n\ntype Widget struct {\n\tID int\n}\n\nfunc NewWidget() *Widget {\n\treturn nil\n}\n\nfunc (w *Widget) Run() {}\n"
	att := Extract("widget.go", []byte(src))

	if att.Lines == 0 {
		t.Error("lines not counted")
	}
	if !reflect.DeepEqual(att.Definitions, []string{"Widget", "NewWidget"}) {
		t.Errorf("definitions = %v", att.Definitions)
	}
}

func TestExtractPythonSource(t *testing.T) {
	src := "class Agent:\n    def run(self):\n        pass\n\ndef main():\n    pass\n\nasync def serve():\n    pass\n"
	att := Extract("agent.py", []byte(src))

	if !reflect.DeepEqual(att.Definitions, []string{"Agent", "main", "serve"}) {
		t.Errorf("definitions = %v", att.Definitions)
	}
}

func TestExtractTextFallback(t *testing.T) {
	body := strings.Repeat("line of prose\n", 60)
	att := Extract("readme.txt", []byte(body))

	if att.Lines != 60 {
		t.Errorf("lines = %d", att.Lines)
	}
	if len(att.Preview) > 500 {
		t.Errorf("preview length = %d", len(att.Preview))
	}
	if !strings.HasPrefix(att.Preview, "line of prose") {
		t.Errorf("preview = %q", att.Preview[:20])
	}
}
