package directory_test

import (
	"testing"

	"github.com/condoware/porteiro/internal/directory"
)

func TestNormalizeVoip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare digits", "1001", "1001"},
		{"sip uri", "sip:1001@pbx.condo.local", "1001"},
		{"host only", "1001@pbx.condo.local", "1001"},
		{"padded", "  1001  ", "1001"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := directory.NormalizeVoip(tc.in); got != tc.want {
				t.Errorf("NormalizeVoip(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseChangeEvent(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"action": "UPDATE",
		"data": {
			"extension_ia_id": 7,
			"extension_ia_number": " 9001 ",
			"extension_ia_return": "9002",
			"extension_ia_ip": "10.0.0.5",
			"extension_ia_number_port": 8090,
			"extension_ia_return_port": 8091,
			"condominium_id": 3
		}
	}`)

	ev, err := directory.ParseChangeEvent(payload)
	if err != nil {
		t.Fatalf("ParseChangeEvent: %v", err)
	}
	if ev.Action != directory.ActionUpdate {
		t.Errorf("action = %q, want UPDATE", ev.Action)
	}
	want := directory.Extension{
		ID:           7,
		IANumber:     "9001",
		ReturnNumber: "9002",
		BindIP:       "10.0.0.5",
		IAPort:       8090,
		ReturnPort:   8091,
		BuildingID:   3,
	}
	if ev.Extension != want {
		t.Errorf("extension = %+v, want %+v", ev.Extension, want)
	}
}

func TestParseChangeEvent_Delete(t *testing.T) {
	t.Parallel()

	ev, err := directory.ParseChangeEvent([]byte(`{"action":"DELETE","data":{"extension_ia_id":4}}`))
	if err != nil {
		t.Fatalf("ParseChangeEvent: %v", err)
	}
	if ev.Action != directory.ActionDelete || ev.Extension.ID != 4 {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseChangeEvent_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"unknown action", `{"action":"TRUNCATE","data":{}}`},
		{"missing action", `{"data":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := directory.ParseChangeEvent([]byte(tc.payload)); err == nil {
				t.Error("want error")
			}
		})
	}
}
