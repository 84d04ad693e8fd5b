// Package langgo implements the Go grammar for the chunker: it walks a
// file's AST and reports the symbols the driver carves chunks from. It is
// the only grammar shipped today — any other extension falls back to the
// chunker's line-window strategy (see internal/chunker/chunker.go).
package langgo

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// SymbolKind is the syntactic category of a declaration.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindConst     SymbolKind = "const"
	KindVar       SymbolKind = "var"
)

// Symbol is one top-level declaration extracted from a Go file.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	Receiver   string // set for methods, the receiver type name
	Signature  string
	DocComment string
	StartLine  int
	EndLine    int
}

// Import is one import spec.
type Import struct {
	Path  string
	Alias string
}

// ParseResult is everything the chunker driver needs out of a Go file.
type ParseResult struct {
	PackageName string
	PackageDoc  string
	Imports     []Import
	Symbols     []Symbol
	// SyntaxError is set when the file failed to parse cleanly; the AST
	// returned by go/parser may still be partial and partially usable.
	SyntaxError error
}

// Parse extracts package, import, and symbol information from Go source.
// A syntax error is recorded on the result rather than returned, since the
// caller (the chunker driver) falls back to the grammar's partial output
// rather than abandoning the file.
func Parse(filename string, src []byte) (*ParseResult, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	result := &ParseResult{SyntaxError: err}
	if file == nil {
		return result, nil
	}

	if file.Name != nil {
		result.PackageName = file.Name.Name
	}
	result.PackageDoc = docText(file.Doc)
	result.Imports = extractImports(file)

	ex := &extractor{fset: fset}
	ast.Inspect(file, ex.visit)
	result.Symbols = ex.symbols
	return result, nil
}

func extractImports(file *ast.File) []Import {
	imports := make([]Import, 0, len(file.Imports))
	for _, imp := range file.Imports {
		spec := Import{Path: strings.Trim(imp.Path.Value, `"`)}
		if imp.Name != nil {
			spec.Alias = imp.Name.Name
		}
		imports = append(imports, spec)
	}
	return imports
}

type extractor struct {
	fset    *token.FileSet
	symbols []Symbol
}

func (e *extractor) visit(node ast.Node) bool {
	switch n := node.(type) {
	case *ast.FuncDecl:
		e.extractFunc(n)
		return false
	case *ast.GenDecl:
		e.extractGenDecl(n)
		return false
	}
	return true
}

func (e *extractor) extractFunc(decl *ast.FuncDecl) {
	sym := Symbol{
		Name:       decl.Name.Name,
		DocComment: docText(decl.Doc),
		StartLine:  e.line(decl.Pos()),
		EndLine:    e.line(decl.End()),
	}
	if decl.Recv != nil && len(decl.Recv.List) > 0 {
		sym.Kind = KindMethod
		sym.Receiver = receiverName(decl.Recv.List[0].Type)
	} else {
		sym.Kind = KindFunction
	}
	sym.Signature = e.funcSignature(decl)
	e.symbols = append(e.symbols, sym)
}

func (e *extractor) extractGenDecl(decl *ast.GenDecl) {
	for _, spec := range decl.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			e.extractTypeSpec(s, decl.Doc)
		case *ast.ValueSpec:
			e.extractValueSpec(s, decl.Doc, decl.Tok)
		}
	}
}

func (e *extractor) extractTypeSpec(spec *ast.TypeSpec, doc *ast.CommentGroup) {
	sym := Symbol{
		Name:       spec.Name.Name,
		DocComment: docText(doc),
		StartLine:  e.line(spec.Pos()),
		EndLine:    e.line(spec.End()),
	}
	switch t := spec.Type.(type) {
	case *ast.StructType:
		sym.Kind = KindStruct
		sym.Signature = fmt.Sprintf("type %s struct { ... } // %d fields", spec.Name.Name, fieldCount(t.Fields))
	case *ast.InterfaceType:
		sym.Kind = KindInterface
		sym.Signature = fmt.Sprintf("type %s interface { ... } // %d methods", spec.Name.Name, fieldCount(t.Methods))
	default:
		sym.Kind = KindType
		sym.Signature = "type " + spec.Name.Name
	}
	e.symbols = append(e.symbols, sym)
}

func (e *extractor) extractValueSpec(spec *ast.ValueSpec, doc *ast.CommentGroup, tok token.Token) {
	kind := KindVar
	if tok == token.CONST {
		kind = KindConst
	}
	for _, name := range spec.Names {
		sym := Symbol{
			Name:       name.Name,
			Kind:       kind,
			DocComment: docText(doc),
			StartLine:  e.line(spec.Pos()),
			EndLine:    e.line(spec.End()),
			Signature:  name.Name,
		}
		e.symbols = append(e.symbols, sym)
	}
}

func (e *extractor) funcSignature(decl *ast.FuncDecl) string {
	var sig strings.Builder
	sig.WriteString("func ")
	if decl.Recv != nil && len(decl.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprString(decl.Recv.List[0].Type))
		sig.WriteString(") ")
	}
	sig.WriteString(decl.Name.Name)
	sig.WriteString("(")
	sig.WriteString(fieldListString(decl.Type.Params))
	sig.WriteString(")")
	if results := fieldListString(decl.Type.Results); results != "" {
		if decl.Type.Results.NumFields() > 1 {
			sig.WriteString(" (" + results + ")")
		} else {
			sig.WriteString(" " + results)
		}
	}
	return sig.String()
}

func (e *extractor) line(pos token.Pos) int {
	return e.fset.Position(pos).Line
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		if ident, ok := t.X.(*ast.Ident); ok {
			return ident.Name
		}
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func fieldCount(list *ast.FieldList) int {
	if list == nil {
		return 0
	}
	return list.NumFields()
}

func fieldListString(list *ast.FieldList) string {
	if list == nil || len(list.List) == 0 {
		return ""
	}
	var parts []string
	for _, field := range list.List {
		typeStr := exprString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typeStr)
			continue
		}
		for _, name := range field.Names {
			parts = append(parts, name.Name+" "+typeStr)
		}
	}
	return strings.Join(parts, ", ")
}

func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case nil:
		return ""
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprString(t.Key), exprString(t.Value))
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	default:
		return "..."
	}
}
