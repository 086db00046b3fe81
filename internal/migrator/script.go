package migrator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"docmigrate/pkg/docstore"
)

// Symbols exposes docmigrate/pkg/docstore to interpreted migrations.
var Symbols = interp.Exports{
	"docmigrate/pkg/docstore/docstore": {
		"Client":     reflect.ValueOf((*docstore.Client)(nil)),
		"Collection": reflect.ValueOf((*docstore.Collection)(nil)),
		"Database":   reflect.ValueOf((*docstore.Database)(nil)),
		"Document":   reflect.ValueOf((*docstore.Document)(nil)),
		"Filter":     reflect.ValueOf((*docstore.Filter)(nil)),
		"IndexKey":   reflect.ValueOf((*docstore.IndexKey)(nil)),
		"IndexSpec":  reflect.ValueOf((*docstore.IndexSpec)(nil)),

		"ErrDuplicateKey":  reflect.ValueOf(&docstore.ErrDuplicateKey).Elem(),
		"ErrIndexConflict": reflect.ValueOf(&docstore.ErrIndexConflict).Elem(),

		"Equal":  reflect.ValueOf(docstore.Equal),
		"Int64":  reflect.ValueOf(docstore.Int64),
		"String": reflect.ValueOf(docstore.String),
		"Time":   reflect.ValueOf(docstore.Time),
	},
}

// ScriptLoader interprets Go migration source with yaegi.
type ScriptLoader struct{}

// NewScriptLoader returns a loader with the standard library and the
// docstore package available to scripts.
func NewScriptLoader() *ScriptLoader { return &ScriptLoader{} }

// Load interprets src in a fresh interpreter and binds its Up and Down
// functions. Down is optional.
func (l *ScriptLoader) Load(id string, src []byte) (*Body, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, id, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", id, err)
	}
	pkg := file.Name.Name
	if pkg == "main" {
		return nil, fmt.Errorf("%s: migrations must not be package main", id)
	}
	params := funcParams(file)
	if _, ok := params["Up"]; !ok {
		return nil, fmt.Errorf("%s: no Up function", id)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("load docstore symbols: %w", err)
	}
	if _, err := evalSafe(i, string(src)); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", id, err)
	}

	body := &Body{ID: id}
	up, err := evalSafe(i, pkg+".Up")
	if err != nil {
		return nil, fmt.Errorf("%s: resolve Up: %w", id, err)
	}
	if body.Up, body.UpConvention, err = Adapt(up, params["Up"]); err != nil {
		return nil, fmt.Errorf("%s: Up: %w", id, err)
	}
	if _, ok := params["Down"]; ok {
		down, err := evalSafe(i, pkg+".Down")
		if err != nil {
			return nil, fmt.Errorf("%s: resolve Down: %w", id, err)
		}
		if body.Down, body.DownConvention, err = Adapt(down, params["Down"]); err != nil {
			return nil, fmt.Errorf("%s: Down: %w", id, err)
		}
	}
	return body, nil
}

// funcParams maps each top-level function to its declared parameter names.
// Unnamed parameters are reported as "_".
func funcParams(file *ast.File) map[string][]string {
	out := map[string][]string{}
	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Recv != nil {
			continue
		}
		var names []string
		for _, field := range fd.Type.Params.List {
			if len(field.Names) == 0 {
				names = append(names, "_")
				continue
			}
			for _, n := range field.Names {
				names = append(names, n.Name)
			}
		}
		out[fd.Name.Name] = names
	}
	return out
}

// evalSafe turns interpreter panics into errors.
func evalSafe(i *interp.Interpreter, src string) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return i.Eval(src)
}
