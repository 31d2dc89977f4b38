// Package extract turns uploaded files into text the context store can
// hold. Plain text is read directly, HTML is reduced to readable text,
// images become data-URL payloads for the agent's vision models, and
// PDFs go through pdftotext when it is installed. Callers depend only
// on the Result contract, not on how a given type is extracted.
package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// maxFileBytes guards against pathological uploads. Files over this
// size fail extraction instead of bloating the knowledge base.
const maxFileBytes = 20 << 20 // 20 MiB

// pdfTimeout bounds a single pdftotext run.
const pdfTimeout = 30 * time.Second

// Result is the extraction outcome. When Success is false, ErrorDetail
// says why and Content is empty.
type Result struct {
	Success     bool
	Content     string
	Kind        string // "text", "html", "pdf", "image", "unsupported"
	ErrorDetail string
}

// Extractor converts local files to knowledge-base text.
type Extractor struct {
	logger *slog.Logger

	// pdftotextPath is resolved once; empty means unavailable.
	pdftotextPath string
}

// New creates an extractor. The pdftotext binary is located via
// exec.LookPath; when absent, PDFs extract to a placeholder instead of
// failing.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := exec.LookPath("pdftotext")
	if err != nil {
		logger.Info("pdftotext not found, PDF content will not be extracted")
		path = ""
	}
	return &Extractor{logger: logger, pdftotextPath: path}
}

var imageMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".log": true,
	".json": true, ".yaml": true, ".yml": true, ".xml": true,
}

// Extract reads the file at localPath and produces its knowledge-base
// representation. It never returns a Go error: per-file failures are
// reported through the Result so one bad upload cannot abort the
// conversation flow.
func (e *Extractor) Extract(ctx context.Context, localPath, filename string) Result {
	info, err := os.Stat(localPath)
	if err != nil {
		return failure("unsupported", fmt.Sprintf("file not readable: %v", err))
	}
	if info.Size() > maxFileBytes {
		return failure("unsupported", fmt.Sprintf("file too large (%d bytes)", info.Size()))
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case textExtensions[ext]:
		return e.extractText(localPath)
	case ext == ".html" || ext == ".htm":
		return e.extractHTMLFile(localPath)
	case imageMIME[ext] != "":
		return e.extractImage(localPath, imageMIME[ext])
	case ext == ".pdf":
		return e.extractPDF(ctx, localPath)
	default:
		// Fixed-format placeholder so the knowledge base still records
		// that the file exists.
		return Result{
			Success: true,
			Kind:    "unsupported",
			Content: fmt.Sprintf("[File %q uploaded: content type not supported for extraction]", filename),
		}
	}
}

func (e *Extractor) extractText(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("text", fmt.Sprintf("read file: %v", err))
	}
	return Result{Success: true, Kind: "text", Content: string(data)}
}

func (e *Extractor) extractHTMLFile(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("html", fmt.Sprintf("read file: %v", err))
	}

	title, text := extractHTML(string(data))
	if title != "" {
		text = title + "\n\n" + text
	}
	return Result{Success: true, Kind: "html", Content: text}
}

func (e *Extractor) extractImage(path, mime string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("image", fmt.Sprintf("read file: %v", err))
	}
	payload := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	return Result{Success: true, Kind: "image", Content: payload}
}

func (e *Extractor) extractPDF(ctx context.Context, path string) Result {
	if e.pdftotextPath == "" {
		return Result{
			Success: true,
			Kind:    "pdf",
			Content: fmt.Sprintf("[PDF %q uploaded: text extraction unavailable]", filepath.Base(path)),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	// "-" sends the extracted text to stdout.
	cmd := exec.CommandContext(runCtx, e.pdftotextPath, "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		e.logger.Warn("pdftotext failed", "path", path, "error", err)
		return failure("pdf", fmt.Sprintf("pdf extraction: %v", err))
	}
	return Result{Success: true, Kind: "pdf", Content: strings.TrimSpace(string(out))}
}

func failure(kind, detail string) Result {
	return Result{Kind: kind, ErrorDetail: detail}
}
