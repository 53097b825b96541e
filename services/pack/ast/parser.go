// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	// DefaultMaxFileSize is the largest source file the parser accepts (10MB).
	DefaultMaxFileSize int64 = 10 * 1024 * 1024

	// WarnFileSize is the size above which a warning is logged before parsing.
	WarnFileSize = 1024 * 1024
)

var (
	// ErrFileTooLarge indicates the content exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent indicates the content is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrSyntax indicates tree-sitter reported syntax errors in the source.
	ErrSyntax = errors.New("source contains syntax errors")

	// ErrUnsupportedLanguage indicates the file extension has no grammar.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Language identifies which tree-sitter grammar parses a file.
type Language string

const (
	LanguageTypeScript Language = "typescript"
	LanguageTSX        Language = "tsx"
	LanguageJavaScript Language = "javascript"
)

// grammar returns the tree-sitter language for l, or nil if l is unknown.
func (l Language) grammar() *sitter.Language {
	switch l {
	case LanguageTypeScript:
		return typescript.GetLanguage()
	case LanguageTSX:
		return tsx.GetLanguage()
	case LanguageJavaScript:
		return javascript.GetLanguage()
	default:
		return nil
	}
}

// Extensions lists every file extension the parser understands.
func Extensions() []string {
	return []string{".ts", ".mts", ".cts", ".tsx", ".jsx", ".js", ".mjs", ".cjs"}
}

// LanguageForPath picks the grammar for a file by its extension.
//
// JSX files go through the TSX grammar, which is a superset that also
// accepts type annotations some projects leave in .jsx files.
func LanguageForPath(path string) (Language, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return LanguageTypeScript, nil
	case ".tsx", ".jsx":
		return LanguageTSX, nil
	case ".js", ".mjs", ".cjs":
		return LanguageJavaScript, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, path)
	}
}

// IsSourceFile reports whether path has an extension the parser handles.
func IsSourceFile(path string) bool {
	_, err := LanguageForPath(path)
	return err == nil
}

// File is a parsed source file.
//
// Description:
//
//	Holds the original bytes together with the tree-sitter tree built from
//	them. Every node offset in the tree is a byte offset into Content, so
//	ranges taken from nodes can be used directly for text surgery.
//
// Thread Safety:
//
//	A File may be read from multiple goroutines. Close must only be called
//	once all readers are done.
type File struct {
	// Path is the path the file was parsed from.
	Path string

	// Language is the grammar used to parse the file.
	Language Language

	// Content is the raw source.
	Content []byte

	// Hash is the hex SHA256 of Content.
	Hash string

	// Root is the program node.
	Root *sitter.Node

	tree *sitter.Tree
}

// Text returns the source text spanned by n.
func (f *File) Text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(f.Content[n.StartByte():n.EndByte()])
}

// Slice returns the source text spanned by r.
func (f *File) Slice(r Range) string {
	return string(f.Content[r.Start:r.End])
}

// Close releases the tree-sitter tree.
func (f *File) Close() {
	if f != nil && f.tree != nil {
		f.tree.Close()
		f.tree = nil
	}
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxFileSize sets the maximum file size the parser will accept.
//
// Parameters:
//   - bytes: Maximum file size in bytes. Non-positive values are ignored.
func WithMaxFileSize(bytes int64) ParserOption {
	return func(p *Parser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// WithStrictSyntax makes Parse fail with ErrSyntax when tree-sitter recovers
// from syntax errors. Enabled by default.
func WithStrictSyntax(strict bool) ParserOption {
	return func(p *Parser) {
		p.strict = strict
	}
}

// Parser turns JavaScript and TypeScript source into tree-sitter trees.
//
// Description:
//
//	A new tree-sitter parser is created per Parse call, so a single Parser
//	value can be shared freely.
//
// Thread Safety:
//
//	Parser instances are safe for concurrent use.
type Parser struct {
	maxFileSize int64
	strict      bool
}

// NewParser creates a Parser with the given options.
//
// Example:
//
//	parser := ast.NewParser(ast.WithMaxFileSize(5 * 1024 * 1024))
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxFileSize: DefaultMaxFileSize,
		strict:      true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse parses content as the language implied by filePath.
//
// Description:
//
//	Validates size and encoding, parses with tree-sitter and returns a File
//	whose tree stays alive until File.Close is called.
//
// Inputs:
//   - ctx: Context for cancellation. Checked before and after parsing.
//   - content: Raw source bytes. Must be valid UTF-8.
//   - filePath: Path used to pick the grammar and for error reporting.
//
// Outputs:
//   - *File: The parsed file. Never nil on success.
//   - error: ErrFileTooLarge, ErrInvalidContent, ErrUnsupportedLanguage,
//     ErrSyntax (strict mode) or a context error.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (p *Parser) Parse(ctx context.Context, content []byte, filePath string) (*File, error) {
	ctx, span := startParseSpan(ctx, filePath, len(content))
	defer span.End()

	start := time.Now()

	if err := ctx.Err(); err != nil {
		recordParse(time.Since(start), "canceled")
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}

	lang, err := LanguageForPath(filePath)
	if err != nil {
		recordParse(time.Since(start), "unsupported")
		return nil, err
	}

	if int64(len(content)) > p.maxFileSize {
		recordParse(time.Since(start), "too_large")
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize)
	}

	if len(content) > WarnFileSize {
		slog.Warn("parsing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}

	if !utf8.Valid(content) {
		recordParse(time.Since(start), "invalid_content")
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, filePath)
	}

	hash := sha256.Sum256(content)

	// New parser per call for thread safety
	parser := sitter.NewParser()
	parser.SetLanguage(lang.grammar())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordParse(time.Since(start), "error")
		return nil, fmt.Errorf("tree-sitter parse failed for %s: %w", filePath, err)
	}

	root := tree.RootNode()
	if root == nil {
		tree.Close()
		recordParse(time.Since(start), "error")
		return nil, fmt.Errorf("tree-sitter returned nil root node for %s", filePath)
	}

	if p.strict && root.HasError() {
		tree.Close()
		recordParse(time.Since(start), "syntax")
		return nil, fmt.Errorf("%w: %s", ErrSyntax, filePath)
	}

	if err := ctx.Err(); err != nil {
		tree.Close()
		recordParse(time.Since(start), "canceled")
		return nil, fmt.Errorf("parse canceled after tree-sitter: %w", err)
	}

	setParseSpanResult(span, string(lang))
	recordParse(time.Since(start), "success")

	return &File{
		Path:     filePath,
		Language: lang,
		Content:  content,
		Hash:     hex.EncodeToString(hash[:]),
		Root:     root,
		tree:     tree,
	}, nil
}

// ParseFile reads path from disk and parses it.
func (p *Parser) ParseFile(ctx context.Context, path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), p.maxFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return p.Parse(ctx, content, path)
}
