package imapconn

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// extractText walks a parsed MIME entity and returns the first text/plain
// part it finds, falling back to text/html with tags stripped crudely —
// enough for the delivery formatter's content field, not a full renderer.
func extractText(r io.Reader) string {
	entity, err := message.Read(r)
	if err != nil {
		return ""
	}

	if mr := entity.MultipartReader(); mr != nil {
		var html string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				return string(body)
			case strings.HasPrefix(ct, "text/html") && html == "":
				html = stripTags(string(body))
			}
		}
		return html
	}

	body, _ := io.ReadAll(entity.Body)
	return string(body)
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
