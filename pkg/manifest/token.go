package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TokenKind tags the layout token variants. Tokens are parsed once at
// manifest load, never re-parsed per materialization.
type TokenKind string

const (
	// TokenLiteral is a literal file inclusion relative to the suite's
	// own source tree: "file:<path>".
	TokenLiteral TokenKind = "literal"

	// TokenDependencyRef is a reference to another unit's build output:
	// "dependency:<suite>:<name>", optionally with a sub path.
	TokenDependencyRef TokenKind = "dependency"

	// TokenDependencyGlob expands the full contents of the referenced
	// artifact's output tree: "dependency:<suite>:<name>/*".
	TokenDependencyGlob TokenKind = "dependency-glob"

	// TokenLibraryName selects the platform-specific shared library file
	// of a dependency: "dependency:<suite>:<name>/<lib:base>".
	TokenLibraryName TokenKind = "library"

	// TokenInline is inline generated content: "string:<content>".
	TokenInline TokenKind = "inline"
)

// LayoutToken is one parsed layout entry.
type LayoutToken struct {
	// Kind is the token variant.
	Kind TokenKind

	// Raw is the original token text, kept for error reporting.
	Raw string

	// Path is the source path for literal tokens, or the generated
	// content for inline tokens.
	Path string

	// Suite and Name identify the referenced unit for dependency tokens.
	Suite string
	Name  string

	// SubPath is the optional path inside the referenced artifact tree
	// for dependency tokens.
	SubPath string

	// Lib is the shared-library base name for library tokens.
	Lib string
}

// Ref returns the qualified unit ID a dependency token points at.
func (t LayoutToken) Ref() string {
	return QualifiedName(t.Suite, t.Name)
}

// String returns the original token text.
func (t LayoutToken) String() string {
	return t.Raw
}

// ParseLayoutToken parses one layout entry string into its tagged variant.
func ParseLayoutToken(raw string) (LayoutToken, error) {
	switch {
	case strings.HasPrefix(raw, "file:"):
		path := strings.TrimPrefix(raw, "file:")
		if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
			return LayoutToken{}, fmt.Errorf("file token must be a relative path inside the suite tree: %q", raw)
		}
		return LayoutToken{Kind: TokenLiteral, Raw: raw, Path: path}, nil

	case strings.HasPrefix(raw, "string:"):
		return LayoutToken{Kind: TokenInline, Raw: raw, Path: strings.TrimPrefix(raw, "string:")}, nil

	case strings.HasPrefix(raw, "dependency:"):
		rest := strings.TrimPrefix(raw, "dependency:")

		var sub string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest, sub = rest[:i], rest[i+1:]
		}
		suite, name := SplitReference(rest)
		if suite == "" || name == "" {
			return LayoutToken{}, fmt.Errorf("dependency token requires a suite-qualified name: %q", raw)
		}

		tok := LayoutToken{Raw: raw, Suite: suite, Name: name}
		switch {
		case sub == "":
			tok.Kind = TokenDependencyRef
		case sub == "*":
			tok.Kind = TokenDependencyGlob
		case strings.HasPrefix(sub, "<lib:") && strings.HasSuffix(sub, ">"):
			lib := sub[len("<lib:") : len(sub)-1]
			if lib == "" {
				return LayoutToken{}, fmt.Errorf("empty library name: %q", raw)
			}
			tok.Kind = TokenLibraryName
			tok.Lib = lib
		case strings.Contains(sub, "*"):
			return LayoutToken{}, fmt.Errorf("wildcard only allowed as a full trailing segment: %q", raw)
		default:
			tok.Kind = TokenDependencyRef
			tok.SubPath = sub
		}
		return tok, nil

	default:
		return LayoutToken{}, fmt.Errorf("unrecognized layout token %q: expected file:, string: or dependency: prefix", raw)
	}
}

// UnmarshalYAML parses a layout entry from its string form.
func (t *LayoutToken) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("layout entry must be a string: %w", err)
	}
	tok, err := ParseLayoutToken(raw)
	if err != nil {
		return err
	}
	*t = tok
	return nil
}

// MarshalYAML renders the token back to its string form.
func (t LayoutToken) MarshalYAML() (interface{}, error) {
	return t.Raw, nil
}

// SharedLibraryName returns the platform-specific filename of a shared
// library: lib<name>.so on linux, lib<name>.dylib on darwin, <name>.dll on
// windows.
func SharedLibraryName(osName, base string) string {
	switch osName {
	case "windows":
		return base + ".dll"
	case "darwin":
		return "lib" + base + ".dylib"
	default:
		return "lib" + base + ".so"
	}
}
