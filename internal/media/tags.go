package media

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// docMaxChars is the max characters extracted from a text document.
const docMaxChars = 200_000

// BuildTags generates the content placeholder tags for a list of
// attachments, one line per item. The agent sees these tags inline with
// the message text; local paths travel separately on the delivery context.
func BuildTags(items []bus.MediaAttachment) string {
	var tags []string
	for _, item := range items {
		switch Kind(item.ContentType) {
		case "image":
			tags = append(tags, "<media:image>")
		case "video":
			tags = append(tags, "<media:video>")
		case "voice":
			tags = append(tags, "<media:voice>")
		case "audio":
			tags = append(tags, "<media:audio>")
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// textExtensions maps file extensions to MIME types for documents whose
// content can be inlined for the agent.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// ExtractTextDocument reads a downloaded document and returns its content
// wrapped in a <file> block, truncated at docMaxChars and HTML-escaped.
// Binary formats get a placeholder line instead.
func ExtractTextDocument(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s — download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mimeType, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s — binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}

	escaped := html.EscapeString(content)
	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mimeType, escaped), nil
}
