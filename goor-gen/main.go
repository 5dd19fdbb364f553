package main

import (
	"bytes"
	"embed"
	"flag"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"go/types"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"golang.org/x/tools/go/packages"
)

const (
	goorPkgPath  = "github.com/jaym/goor/goor-gen/goor"
	grainPkgPath = "github.com/jaym/goor/grain"
	descPkgPath  = "github.com/jaym/goor/grain/descriptor"
)

//go:embed generator/templates/*.tpl
var templates embed.FS

// Names the generated code uses for its own locals.
var reservedNames = map[string]bool{
	"ctx": true, "g": true, "args": true, "err": true, "r": true, "p": true, "factory": true,
}

// Names a typed ref already gets from grain.Proxy.
var proxyMethods = map[string]bool{
	"Identity": true, "Methods": true, "Invoke": true,
}

type Loader struct {
	errorType   types.Type
	contextType types.Type
	goorGenPkg  *packages.Package
	pkg         *packages.Package
	fset        *token.FileSet
}

func NewLoader(path string) (*Loader, error) {
	fset := token.NewFileSet()
	pkgs, err := packages.Load(&packages.Config{
		Fset: fset,
		Mode: packages.NeedSyntax | packages.NeedName | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedImports | packages.NeedDeps,
	}, path, goorPkgPath)
	if err != nil {
		return nil, err
	}

	var goorGenPkg *packages.Package
	var contextType types.Type
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		switch p.PkgPath {
		case goorPkgPath:
			goorGenPkg = p
		case "context":
			if obj := p.Types.Scope().Lookup("Context"); obj != nil {
				contextType = obj.Type()
			}
		}
	})
	if goorGenPkg == nil {
		return nil, errors.Newf("could not load %s", goorPkgPath)
	}

	var userPkg *packages.Package
	for _, p := range pkgs {
		if len(p.Errors) > 0 {
			return nil, errors.Newf("loading %s: %v", p.PkgPath, p.Errors[0])
		}
		if p.PkgPath != goorPkgPath {
			userPkg = p
		}
	}
	if userPkg == nil {
		// the target is the goor package itself
		userPkg = goorGenPkg
	}

	return &Loader{
		errorType:   types.Universe.Lookup("error").Type(),
		contextType: contextType,
		goorGenPkg:  goorGenPkg,
		pkg:         userPkg,
		fset:        fset,
	}, nil
}

func (l *Loader) isGoorGrain(t types.Type) bool {
	named, ok := t.(*types.Named)
	if !ok {
		return false
	}
	tn := named.Obj()
	return tn.Pkg() != nil && tn.Pkg().Path() == goorPkgPath && tn.Name() == "Grain"
}

func (l *Loader) findGrainInterfaces() []*ast.TypeSpec {
	ifaces := []*ast.TypeSpec{}
	for _, astFile := range l.pkg.Syntax {
		ast.Inspect(astFile, func(n ast.Node) bool {
			typeSpec, ok := n.(*ast.TypeSpec)
			if !ok {
				return true
			}
			ifaceTy, ok := typeSpec.Type.(*ast.InterfaceType)
			if !ok || !typeSpec.Name.IsExported() {
				return true
			}
			for _, f := range ifaceTy.Methods.List {
				if len(f.Names) > 0 {
					continue
				}
				if tv, ok := l.pkg.TypesInfo.Types[f.Type]; ok && l.isGoorGrain(tv.Type) {
					ifaces = append(ifaces, typeSpec)
					break
				}
			}
			return true
		})
	}
	return ifaces
}

type GoorParameter struct {
	Name string
	Type types.Type
}

type GoorMethod struct {
	Name       string
	Doc        string
	Parameters []*GoorParameter
	Result     *GoorParameter
}

func (m *GoorMethod) HasResult() bool {
	return m.Result != nil
}

type GoorGrainDefinition struct {
	Name    string
	Methods []*GoorMethod
}

func (l *Loader) createMethod(name string, doc string, sig *types.Signature) (*GoorMethod, error) {
	if proxyMethods[name] {
		return nil, errors.Newf("%s conflicts with a grain.Proxy method", name)
	}
	params := sig.Params()
	if params.Len() < 1 || params.At(0).Type() != l.contextType {
		return nil, errors.Newf("%s: first parameter must be context.Context", name)
	}
	if sig.Variadic() {
		return nil, errors.Newf("%s: variadic methods are not supported", name)
	}
	m := &GoorMethod{Name: name, Doc: doc}
	for i := 1; i < params.Len(); i++ {
		v := params.At(i)
		pname := v.Name()
		if pname == "" || pname == "_" || reservedNames[pname] {
			pname = "p" + strconv.Itoa(i)
		}
		m.Parameters = append(m.Parameters, &GoorParameter{Name: pname, Type: v.Type()})
	}

	results := sig.Results()
	switch {
	case results.Len() == 1 && results.At(0).Type() == l.errorType:
	case results.Len() == 2 && results.At(1).Type() == l.errorType:
		m.Result = &GoorParameter{Name: "result", Type: results.At(0).Type()}
	default:
		return nil, errors.Newf("%s: must return error or (T, error)", name)
	}
	return m, nil
}

func (l *Loader) createGrainDef(spec *ast.TypeSpec) (*GoorGrainDefinition, error) {
	def := &GoorGrainDefinition{Name: spec.Name.Name}
	for _, f := range spec.Type.(*ast.InterfaceType).Methods.List {
		tv, ok := l.pkg.TypesInfo.Types[f.Type]
		if !ok {
			return nil, errors.New("could not look up type info for field")
		}
		if len(f.Names) == 0 {
			if !l.isGoorGrain(tv.Type) {
				return nil, errors.Newf("%s: embedded interfaces other than goor.Grain are not supported", def.Name)
			}
			continue
		}
		sig, ok := tv.Type.(*types.Signature)
		if !ok {
			continue
		}
		m, err := l.createMethod(f.Names[0].Name, f.Doc.Text(), sig)
		if err != nil {
			return nil, errors.Wrapf(err, "grain %s", def.Name)
		}
		def.Methods = append(def.Methods, m)
	}
	if len(def.Methods) == 0 {
		return nil, errors.Newf("grain %s declares no methods", def.Name)
	}
	return def, nil
}

func (l *Loader) Load() ([]*GoorGrainDefinition, error) {
	defs := []*GoorGrainDefinition{}
	for _, gi := range l.findGrainInterfaces() {
		def, err := l.createGrainDef(gi)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

type GoorGoFile struct {
	PackageName string
	Imports     []GoorImport
}

type GoorImport struct {
	PackagePath string
	Name        string
}

// Generate renders the registration and typed proxy code for defs into
// package pkgName at pkgPath.
func Generate(w io.Writer, pkgName string, pkgPath string, defs []*GoorGrainDefinition) error {
	imports := map[string]GoorImport{
		grainPkgPath: {PackagePath: grainPkgPath, Name: "__grain"},
		descPkgPath:  {PackagePath: descPkgPath, Name: "__descriptor"},
	}
	qualifier := func(p *types.Package) string {
		if p.Path() == pkgPath {
			return ""
		}
		if i, ok := imports[p.Path()]; ok {
			return i.Name
		}
		name := p.Name()
		for _, i := range imports {
			if i.Name == name {
				name = "__" + name + strconv.Itoa(len(imports))
				break
			}
		}
		imports[p.Path()] = GoorImport{PackagePath: p.Path(), Name: name}
		return name
	}

	// Qualify every type up front so the import list is complete before
	// the header is rendered.
	for _, def := range defs {
		for _, m := range def.Methods {
			for _, p := range m.Parameters {
				types.TypeString(p.Type, qualifier)
			}
			if m.Result != nil {
				types.TypeString(m.Result.Type, qualifier)
			}
		}
	}

	t, err := template.New("").Funcs(template.FuncMap{
		"qualifiedType": func(p *GoorParameter) string {
			return types.TypeString(p.Type, qualifier)
		},
		"comment": func(doc string) string {
			lines := strings.Split(strings.TrimSpace(doc), "\n")
			for i, line := range lines {
				lines[i] = "// " + line
			}
			return strings.Join(lines, "\n") + "\n"
		},
	}).ParseFS(templates, "generator/templates/*")
	if err != nil {
		return err
	}

	sorted := make([]GoorImport, 0, len(imports))
	for _, i := range imports {
		sorted = append(sorted, i)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PackagePath < sorted[j].PackagePath
	})

	buf := bytes.NewBuffer(nil)
	err = t.ExecuteTemplate(buf, "header.tpl", GoorGoFile{
		PackageName: pkgName,
		Imports:     sorted,
	})
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := t.ExecuteTemplate(buf, "Grain", def); err != nil {
			return err
		}
	}

	out, err := format.Source(buf.Bytes())
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "formatting generated code"), buf.String())
	}
	_, err = w.Write(out)
	return err
}

func main() {
	flagOut := flag.String("out", "", "The file to write the output to. Use '-' for stdout. By default, the file will be written to the current directory.")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] path:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	l, err := NewLoader(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	defs, err := l.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	if len(defs) == 0 {
		fmt.Fprintf(os.Stderr, "No grains found in %s\n", flag.Arg(0))
		os.Exit(1)
	}

	buf := bytes.NewBuffer(nil)
	if err := Generate(buf, l.pkg.Name, l.pkg.PkgPath, defs); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}

	if *flagOut == "-" {
		os.Stdout.Write(buf.Bytes())
		return
	}
	outPath := *flagOut
	if outPath == "" {
		outPath = l.pkg.Name + ".goor.go"
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
