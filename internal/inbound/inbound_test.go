package inbound

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender(t *testing.T) {
	tests := []struct {
		name string
		from string
		want string
	}{
		{"simpleParser value list", `{"value":[{"address":"hare@example.com","name":"Hare"}],"text":"Hare <hare@example.com>"}`, "hare@example.com"},
		{"flat object", `{"address":"gm@example.com","name":"GM"}`, "gm@example.com"},
		{"array", `[{"address":"rb@example.com"}]`, "rb@example.com"},
		{"text only", `{"text":"On Sec <onsec@example.com>"}`, "onsec@example.com"},
		{"named string", `"Speedy <speedy@example.com>"`, "speedy@example.com"},
		{"bare string", `"bare@example.com"`, "bare@example.com"},
		{"value list falls through when invalid", `{"value":[{"address":"nope"}],"text":"Hare <hare@example.com>"}`, "hare@example.com"},
		{"garbage string", `"not an address"`, ""},
		{"empty value list", `{"value":[]}`, ""},
		{"number", `42`, ""},
		{"null", `null`, ""},
		{"empty string", `""`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sender(json.RawMessage(tt.from)))
		})
	}
}

func TestSender_Missing(t *testing.T) {
	msg, err := Decode([]byte(`{"subject":"help"}`))
	require.NoError(t, err)
	assert.Equal(t, "", msg.Sender())
}

func TestDecode(t *testing.T) {
	payload := []byte(`{
		"from": {"value": [{"address": "hare@example.com"}]},
		"subject": "Run 2120",
		"text": "",
		"html": false,
		"attachments": [{"filename": "runs.csv", "contentType": "text/csv", "content": "run_number\n1"}]
	}`)
	msg, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "hare@example.com", msg.Sender())
	assert.Equal(t, Text("Run 2120"), msg.Subject)
	assert.Equal(t, Text(""), msg.HTML)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "run_number\n1", string(msg.Attachments[0].Data()))
	assert.Equal(t, Digest(payload), msg.Digest)
	assert.Len(t, msg.Digest, 64)
}

func TestDecode_TolerantAttachments(t *testing.T) {
	tests := []struct {
		name        string
		attachments string
		want        int
	}{
		{"object", `{}`, 0},
		{"false", `false`, 0},
		{"null", `null`, 0},
		{"mixed entries", `["runs.csv", 3, {"filename": "runs.csv", "content": "a,b"}]`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(`{"from":{"value":[{"address":"hare@example.com"}]},"subject":"help","attachments":` + tt.attachments + `}`))
			require.NoError(t, err)
			assert.Equal(t, "hare@example.com", msg.Sender())
			assert.Len(t, msg.Attachments, tt.want)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{"from":`))
	assert.Error(t, err)
}

func TestBody(t *testing.T) {
	msg := &Message{Text: "Run on Monday", HTML: "<p>ignored</p>"}
	assert.Equal(t, "Run on Monday", msg.Body())

	msg = &Message{Text: "  \n", HTML: "<p>Run 2120</p><p>Hare: <b>Speedy</b><br>Start 19:30</p>"}
	assert.Equal(t, "Run 2120\n\nHare: Speedy\nStart 19:30", msg.Body())

	assert.Equal(t, "", (&Message{}).Body())
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p { color: red }</style></head>
<body><div>Run &amp; Beer</div><script>alert(1)</script><ul><li>One</li><li>Two</li></ul></body></html>`
	assert.Equal(t, "Run & Beer\n\nOne\n\nTwo", HTMLToText(in))
}

func TestAttachmentData(t *testing.T) {
	csv := "run_number,run_date\n2120,2026-03-16\n"
	// json.Marshal renders []byte as base64, so build the byte array explicitly.
	nums := make([]int, len(csv))
	for i := range csv {
		nums[i] = int(csv[i])
	}
	buffer, err := json.Marshal(map[string]interface{}{"type": "Buffer", "data": nums})
	require.NoError(t, err)

	b64, err := json.Marshal(base64.StdEncoding.EncodeToString([]byte(csv)))
	require.NoError(t, err)
	plain, err := json.Marshal(csv)
	require.NoError(t, err)
	short, err := json.Marshal("cnVu")
	require.NoError(t, err)

	tests := []struct {
		name    string
		content json.RawMessage
		want    string
	}{
		{"buffer", buffer, csv},
		{"base64", b64, csv},
		{"plain", plain, csv},
		{"short base64-looking text stays plain", short, "cnVu"},
		{"bad base64 stays plain", json.RawMessage(`"AAAAAAAAAAAAAAAAAAAAAAAAA"`), "AAAAAAAAAAAAAAAAAAAAAAAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Attachment{Content: tt.content}
			assert.Equal(t, tt.want, string(a.Data()))
		})
	}

	assert.Nil(t, Attachment{}.Data())
	assert.Nil(t, Attachment{Content: json.RawMessage(`{"type":"Other"}`)}.Data())
}

func TestIsCSV(t *testing.T) {
	tests := []struct {
		a    Attachment
		want bool
	}{
		{Attachment{Filename: "runs.csv"}, true},
		{Attachment{Filename: "RUNS.CSV"}, true},
		{Attachment{Filename: "runs.xlsx", ContentType: "text/csv; charset=utf-8"}, true},
		{Attachment{Filename: "runs.txt", ContentType: "text/plain"}, true},
		{Attachment{Filename: "runs", Type: "application/vnd.ms-excel.csv"}, true},
		{Attachment{Filename: "photo.jpg", ContentType: "image/jpeg"}, false},
		{Attachment{}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.IsCSV(), "attachment %+v", tt.a)
	}
}

func TestFindCSV(t *testing.T) {
	attachments := []Attachment{
		{Filename: "photo.jpg", ContentType: "image/jpeg"},
		{Filename: "runs.csv"},
		{Filename: "notes.txt", ContentType: "text/plain"},
	}
	a, ok := FindCSV(attachments)
	require.True(t, ok)
	assert.Equal(t, Text("runs.csv"), a.Filename)

	_, ok = FindCSV(attachments[:1])
	assert.False(t, ok)
}
