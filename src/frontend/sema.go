package frontend

import (
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// semaState runs the two declaration/reference passes over every parsed
// file of one unit.
type semaState struct {
	files   *FileTable
	trees   map[FileID]*sitter.Tree
	symbols *SymbolTable
	macros  map[string]bool
	dirs    map[FileID]*Directives

	decls []*Decl
	refs  []*Ref

	// declared marks name tokens that belong to declarations, so the
	// reference pass does not double-report them.
	declared map[declKey]bool
}

type declKey struct {
	file  FileID
	begin uint32
}

func newSemaState(files *FileTable, trees map[FileID]*sitter.Tree, macros map[string]bool, dirs map[FileID]*Directives) *semaState {
	return &semaState{
		files:    files,
		trees:    trees,
		symbols:  NewSymbolTable(),
		macros:   macros,
		dirs:     dirs,
		declared: make(map[declKey]bool),
	}
}

// run performs both passes in deterministic file order.
func (s *semaState) run() {
	ids := make([]FileID, 0, len(s.trees))
	for id := range s.trees {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		content := s.files.Content(id)
		collector := &declCollector{sema: s, file: id, content: content}
		collector.walk(s.trees[id].RootNode(), scope{})
	}
	for _, id := range ids {
		content := s.files.Content(id)
		resolver := &refResolver{sema: s, file: id, content: content}
		resolver.walk(s.trees[id].RootNode(), scope{}, nil)
	}
}

// scope tracks the lexical nesting during a walk.
type scope struct {
	// parts are the enclosing namespace/record names, outermost first.
	parts []string
	// class is the innermost enclosing record symbol, if any.
	class *Symbol
	// template describes the enclosing template declaration shape.
	template TemplateForm
}

func (sc scope) qualified(name string) string {
	if len(sc.parts) == 0 {
		return name
	}
	return strings.Join(sc.parts, "::") + "::" + name
}

func (sc scope) push(part string, class *Symbol) scope {
	parts := make([]string, len(sc.parts), len(sc.parts)+1)
	copy(parts, sc.parts)
	parts = append(parts, part)
	next := sc
	next.parts = parts
	if class != nil {
		next.class = class
	}
	return next
}

// declCollector is the first pass: it interns symbols and records Decls.
type declCollector struct {
	sema    *semaState
	file    FileID
	content []byte
}

func (c *declCollector) text(node *sitter.Node) string {
	return string(c.content[node.StartByte():node.EndByte()])
}

func (c *declCollector) markDeclared(node *sitter.Node) {
	c.sema.declared[declKey{file: c.file, begin: uint32(node.StartByte())}] = true
}

func (c *declCollector) addDecl(decl *Decl) {
	c.sema.decls = append(c.sema.decls, decl)
}

// declaratorName digs the declared name node out of a declarator chain.
func declaratorName(node *sitter.Node) *sitter.Node {
	for node != nil {
		switch node.Type() {
		case "identifier", "field_identifier", "type_identifier",
			"operator_name", "destructor_name", "qualified_identifier":
			if node.Type() == "qualified_identifier" {
				return declaratorName(node.ChildByFieldName("name"))
			}
			return node
		case "function_declarator", "pointer_declarator", "reference_declarator",
			"array_declarator", "parenthesized_declarator", "init_declarator":
			node = node.ChildByFieldName("declarator")
		default:
			return nil
		}
	}
	return nil
}

// signatureOf renders the parameter list of a function declarator into a
// normalized overload signature.
func (c *declCollector) signatureOf(declarator *sitter.Node) string {
	for declarator != nil && declarator.Type() != "function_declarator" {
		declarator = declarator.ChildByFieldName("declarator")
	}
	if declarator == nil {
		return ""
	}
	params := declarator.ChildByFieldName("parameters")
	if params == nil {
		return "()"
	}
	return strings.Join(strings.Fields(c.text(params)), " ")
}

func (c *declCollector) walk(node *sitter.Node, sc scope) {
	switch node.Type() {
	case "namespace_definition":
		name := node.ChildByFieldName("name")
		body := node.ChildByFieldName("body")
		inner := sc
		if name != nil {
			spelled := c.text(name)
			sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), SymNamespace, "")
			c.markDeclared(name)
			c.addDecl(&Decl{
				Sym: sym, Kind: DeclDefinition, File: c.file,
				NameRange: nodeRange(name), FullRange: nodeRange(node),
			})
			inner = sc.push(spelled, nil)
		}
		if body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				c.walk(body.NamedChild(i), inner)
			}
		}
		return

	case "class_specifier", "struct_specifier", "union_specifier":
		c.collectRecord(node, sc)
		return

	case "enum_specifier":
		c.collectEnum(node, sc)
		return

	case "function_definition":
		c.collectFunction(node, sc, true)
		return

	case "declaration", "field_declaration":
		c.collectDeclaration(node, sc)
		return

	case "type_definition":
		c.collectTypedef(node, sc)
		return

	case "alias_declaration":
		name := node.ChildByFieldName("name")
		if name != nil {
			spelled := c.text(name)
			sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), SymTypedef, "")
			sym.Form = sc.template
			c.markDeclared(name)
			decl := &Decl{
				Sym: sym, Kind: DeclDefinition, File: c.file,
				NameRange: nodeRange(name), FullRange: nodeRange(node),
			}
			if typ := node.ChildByFieldName("type"); typ != nil {
				decl.Underlying = c.resolveTypeName(typ, sc)
			}
			c.addDecl(decl)
		}
		return

	case "template_declaration":
		inner := sc
		params := node.ChildByFieldName("parameters")
		if params != nil && params.NamedChildCount() == 0 {
			inner.template = FullSpecialization
		} else {
			inner.template = Primary
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() != "template_parameter_list" {
				c.walk(child, inner)
			}
		}
		return

	case "linkage_specification":
		if body := node.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				c.walk(body.NamedChild(i), sc)
			}
		}
		return
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		c.walk(node.NamedChild(i), sc)
	}
}

func recordKind(nodeType string) SymbolKind {
	switch nodeType {
	case "class_specifier":
		return SymClass
	case "union_specifier":
		return SymUnion
	}
	return SymStruct
}

func (c *declCollector) collectRecord(node *sitter.Node, sc scope) {
	name := node.ChildByFieldName("name")
	body := node.ChildByFieldName("body")
	if name == nil {
		if body != nil {
			inner := sc
			for i := 0; i < int(body.NamedChildCount()); i++ {
				c.walk(body.NamedChild(i), inner)
			}
		}
		return
	}

	spelled := c.text(name)
	form := sc.template

	// `struct X<int>` carries template arguments in the name; the bare
	// name identifies the pattern.
	base := spelled
	nameToken := name
	if name.Type() == "template_type" {
		if inner := name.ChildByFieldName("name"); inner != nil {
			base = c.text(inner)
			nameToken = inner
		}
		if form == Primary {
			form = PartialSpecialization
		}
	}

	kind := recordKind(node.Type())
	sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), kind, "")
	if form != NotTemplate {
		sym.Form = form
	}
	if base != spelled {
		// Specializations point at their primary pattern.
		sym.Pattern = c.sema.symbols.Intern(base, sc.qualified(base), kind, "")
	}

	c.markDeclared(nameToken)
	declKind := DeclDeclaration
	if body != nil {
		declKind = DeclDefinition
	}
	decl := &Decl{
		Sym: sym, Kind: declKind, File: c.file,
		NameRange: nodeRange(nameToken), FullRange: nodeRange(node),
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "base_class_clause" {
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if baseSym := c.resolveTypeName(child.NamedChild(j), sc); baseSym != nil {
					decl.Bases = append(decl.Bases, baseSym)
				}
			}
		}
	}
	c.addDecl(decl)

	if body != nil {
		inner := sc.push(base, sym)
		inner.template = NotTemplate
		for i := 0; i < int(body.NamedChildCount()); i++ {
			c.walk(body.NamedChild(i), inner)
		}
	}
}

func (c *declCollector) collectEnum(node *sitter.Node, sc scope) {
	name := node.ChildByFieldName("name")
	body := node.ChildByFieldName("body")

	var enumScope scope = sc
	if name != nil {
		spelled := c.text(name)
		sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), SymEnum, "")
		c.markDeclared(name)
		kind := DeclDeclaration
		if body != nil {
			kind = DeclDefinition
		}
		c.addDecl(&Decl{
			Sym: sym, Kind: kind, File: c.file,
			NameRange: nodeRange(name), FullRange: nodeRange(node),
		})
		// Scoped enums qualify their constants; unscoped constants live in
		// the enclosing scope. Treat `enum class` as scoped.
		scoped := false
		for i := 0; i < int(node.ChildCount()); i++ {
			text := c.text(node.Child(i))
			if text == "class" || text == "struct" {
				scoped = true
				break
			}
			if text == "{" {
				break
			}
		}
		if scoped {
			enumScope = sc.push(spelled, nil)
		}
	}

	if body == nil {
		return
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		enumerator := body.NamedChild(i)
		if enumerator.Type() != "enumerator" {
			continue
		}
		name := enumerator.ChildByFieldName("name")
		if name == nil {
			continue
		}
		spelled := c.text(name)
		sym := c.sema.symbols.Intern(spelled, enumScope.qualified(spelled), SymEnumConstant, "")
		c.markDeclared(name)
		c.addDecl(&Decl{
			Sym: sym, Kind: DeclDefinition, File: c.file,
			NameRange: nodeRange(name), FullRange: nodeRange(enumerator),
		})
	}
}

func (c *declCollector) collectFunction(node *sitter.Node, sc scope, definition bool) {
	declarator := node.ChildByFieldName("declarator")
	name := declaratorName(declarator)
	if name == nil {
		return
	}

	spelled := c.text(name)
	qualified := sc.qualified(spelled)

	// An out-of-line member definition spells its scope in the name:
	// `void Widget::draw() { ... }`. The spelled qualifier is itself
	// looked up so `Widget::draw` inside namespace app lands on
	// app::Widget::draw.
	if declarator != nil {
		if qn := enclosingQualifier(declarator, c.content); qn != "" {
			if owner := c.sema.resolveName(qn, sc); owner != nil {
				qn = owner.Qualified
			}
			qualified = qn + "::" + spelled
		}
	}

	kind := SymFunction
	isCtor, isDtor := false, false
	if sc.class != nil || strings.Contains(qualified, "::") {
		kind = SymMethod
	}
	if sc.class != nil && spelled == sc.class.Name {
		isCtor = true
	}
	if strings.HasPrefix(spelled, "~") {
		isDtor = true
	}

	signature := c.signatureOf(declarator)
	sym := c.sema.symbols.Intern(spelled, qualified, kind, signature)
	if sc.template != NotTemplate {
		sym.Form = sc.template
	}

	c.markDeclared(name)
	declKind := DeclDeclaration
	if definition {
		declKind = DeclDefinition
	}
	c.addDecl(&Decl{
		Sym: sym, Kind: declKind, File: c.file,
		NameRange: nodeRange(name), FullRange: nodeRange(node),
		IsConstructor: isCtor, IsDestructor: isDtor,
	})

	// The body is walked in the enclosing scope, so its declarations are
	// collected there; parameters are not recorded as symbols.
	if body := node.ChildByFieldName("body"); body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			c.walk(body.NamedChild(i), sc)
		}
	}
}

// enclosingQualifier renders the scope prefix of a qualified declarator.
func enclosingQualifier(declarator *sitter.Node, content []byte) string {
	for declarator != nil {
		if declarator.Type() == "qualified_identifier" {
			scope := declarator.ChildByFieldName("scope")
			if scope != nil {
				return string(content[scope.StartByte():scope.EndByte()])
			}
			return ""
		}
		declarator = declarator.ChildByFieldName("declarator")
	}
	return ""
}

func (c *declCollector) collectDeclaration(node *sitter.Node, sc scope) {
	// A declaration with a function declarator is a prototype.
	declarator := node.ChildByFieldName("declarator")
	if declarator == nil {
		// Forward declarations (`struct X;`) carry only a type.
		if typ := node.ChildByFieldName("type"); typ != nil {
			switch typ.Type() {
			case "class_specifier", "struct_specifier", "union_specifier":
				c.collectRecord(typ, sc)
			case "enum_specifier":
				c.collectEnum(typ, sc)
			}
		}
		return
	}

	if hasFunctionDeclarator(declarator) {
		c.collectFunction(node, sc, false)
		return
	}

	name := declaratorName(declarator)
	if name == nil {
		return
	}
	spelled := c.text(name)
	kind := SymVariable
	if node.Type() == "field_declaration" {
		kind = SymField
	}
	sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), kind, "")
	c.markDeclared(name)
	c.addDecl(&Decl{
		Sym: sym, Kind: DeclDefinition, File: c.file,
		NameRange: nodeRange(name), FullRange: nodeRange(node),
	})

	// Initializers may reference other symbols.
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "init_declarator" {
			if value := child.ChildByFieldName("value"); value != nil {
				c.walk(value, sc)
			}
		}
	}
}

func hasFunctionDeclarator(node *sitter.Node) bool {
	for node != nil {
		if node.Type() == "function_declarator" {
			return true
		}
		node = node.ChildByFieldName("declarator")
	}
	return false
}

func (c *declCollector) collectTypedef(node *sitter.Node, sc scope) {
	declarator := node.ChildByFieldName("declarator")
	name := declaratorName(declarator)
	if name == nil {
		return
	}
	spelled := c.text(name)
	sym := c.sema.symbols.Intern(spelled, sc.qualified(spelled), SymTypedef, "")
	if sc.template != NotTemplate {
		sym.Form = sc.template
	}
	c.markDeclared(name)
	decl := &Decl{
		Sym: sym, Kind: DeclDefinition, File: c.file,
		NameRange: nodeRange(name), FullRange: nodeRange(node),
	}
	if typ := node.ChildByFieldName("type"); typ != nil {
		decl.Underlying = c.resolveTypeName(typ, sc)
	}
	c.addDecl(decl)
}

// resolveTypeName maps a type node to an interned symbol by scope lookup.
func (c *declCollector) resolveTypeName(node *sitter.Node, sc scope) *Symbol {
	switch node.Type() {
	case "type_identifier", "identifier":
		return c.sema.resolveName(c.text(node), sc)
	case "qualified_identifier":
		return c.sema.resolveName(strings.Join(strings.Fields(c.text(node)), ""), sc)
	case "template_type":
		if name := node.ChildByFieldName("name"); name != nil {
			return c.sema.resolveName(c.text(name), sc)
		}
	default:
		for i := 0; i < int(node.NamedChildCount()); i++ {
			if sym := c.resolveTypeName(node.NamedChild(i), sc); sym != nil {
				return sym
			}
		}
	}
	return nil
}

// resolveName looks a (possibly qualified) name up through the enclosing
// scopes, outermost last. Returns nil when nothing matches.
func (s *semaState) resolveName(name string, sc scope) *Symbol {
	if strings.Contains(name, "::") {
		candidates := s.symbols.LookupQualified(name)
		return pickCandidate(candidates)
	}
	for i := len(sc.parts); i >= 0; i-- {
		qualified := name
		if i > 0 {
			qualified = strings.Join(sc.parts[:i], "::") + "::" + name
		}
		var matched []*Symbol
		for _, sym := range s.symbols.LookupName(name) {
			if sym.Qualified == qualified {
				matched = append(matched, sym)
			}
		}
		if len(matched) > 0 {
			return pickCandidate(matched)
		}
	}
	return nil
}

// pickCandidate makes ambiguous resolution deterministic: the smallest
// (qualified, kind, signature) key wins.
func pickCandidate(candidates []*Symbol) *Symbol {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, sym := range candidates[1:] {
		if sym.Qualified < best.Qualified ||
			(sym.Qualified == best.Qualified && (sym.Kind < best.Kind ||
				(sym.Kind == best.Kind && sym.Signature < best.Signature))) {
			best = sym
		}
	}
	return best
}

// refResolver is the second pass: it records references against the
// complete symbol table.
type refResolver struct {
	sema    *semaState
	file    FileID
	content []byte
}

func (r *refResolver) text(node *sitter.Node) string {
	return string(r.content[node.StartByte():node.EndByte()])
}

func (r *refResolver) walk(node *sitter.Node, sc scope, enclosing *Symbol) {
	switch node.Type() {
	case "namespace_definition":
		inner := sc
		if name := node.ChildByFieldName("name"); name != nil {
			inner = sc.push(r.text(name), nil)
		}
		if body := node.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				r.walk(body.NamedChild(i), inner, enclosing)
			}
		}
		return

	case "class_specifier", "struct_specifier", "union_specifier":
		name := node.ChildByFieldName("name")
		inner := sc
		if name != nil {
			base := name
			if name.Type() == "template_type" {
				if n := name.ChildByFieldName("name"); n != nil {
					base = n
				}
			}
			inner = sc.push(r.text(base), nil)
		}
		if body := node.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				r.walk(body.NamedChild(i), inner, enclosing)
			}
		}
		// Base clauses still reference types; template arguments in the
		// name are not walked.
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "base_class_clause" {
				r.walk(child, sc, enclosing)
			}
		}
		return

	case "function_definition":
		declarator := node.ChildByFieldName("declarator")
		name := declaratorName(declarator)
		next := enclosing
		if name != nil {
			spelled := r.text(name)
			qualified := sc.qualified(spelled)
			if qn := enclosingQualifier(declarator, r.content); qn != "" {
				if owner := r.sema.resolveName(qn, sc); owner != nil {
					qn = owner.Qualified
				}
				qualified = qn + "::" + spelled
			}
			kind := SymFunction
			if sc.class != nil || strings.Contains(qualified, "::") {
				kind = SymMethod
			}
			if sym := r.sema.symbols.Lookup(qualified, kind, signatureOfNode(declarator, r.content)); sym != nil {
				next = sym
			} else if candidates := r.sema.symbols.LookupName(spelled); len(candidates) > 0 {
				next = pickCandidate(candidates)
			}
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			r.walk(node.NamedChild(i), sc, next)
		}
		return

	case "call_expression":
		function := node.ChildByFieldName("function")
		if function != nil {
			r.recordCall(function, sc, enclosing)
		}
		if arguments := node.ChildByFieldName("arguments"); arguments != nil {
			r.walk(arguments, sc, enclosing)
		}
		return

	case "identifier", "type_identifier", "field_identifier", "namespace_identifier":
		r.recordRef(node, sc, enclosing, RefPlain)
		return
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		r.walk(node.NamedChild(i), sc, enclosing)
	}
}

func signatureOfNode(declarator *sitter.Node, content []byte) string {
	for declarator != nil && declarator.Type() != "function_declarator" {
		declarator = declarator.ChildByFieldName("declarator")
	}
	if declarator == nil {
		return ""
	}
	params := declarator.ChildByFieldName("parameters")
	if params == nil {
		return "()"
	}
	return strings.Join(strings.Fields(string(content[params.StartByte():params.EndByte()])), " ")
}

func (r *refResolver) recordCall(function *sitter.Node, sc scope, enclosing *Symbol) {
	switch function.Type() {
	case "identifier", "field_identifier":
		r.recordRefKind(function, sc, enclosing, RefCall)
	case "qualified_identifier":
		if name := function.ChildByFieldName("name"); name != nil && name.Type() != "qualified_identifier" {
			r.recordQualified(function, name, sc, enclosing, RefCall)
		} else {
			r.walk(function, sc, enclosing)
		}
	case "field_expression":
		if field := function.ChildByFieldName("field"); field != nil {
			r.recordRefKind(field, sc, enclosing, RefCall)
		}
		if argument := function.ChildByFieldName("argument"); argument != nil {
			r.walk(argument, sc, enclosing)
		}
	default:
		r.walk(function, sc, enclosing)
	}
}

func (r *refResolver) recordQualified(qualified, name *sitter.Node, sc scope, enclosing *Symbol, kind RefKind) {
	full := strings.Join(strings.Fields(r.text(qualified)), "")
	// Strip template arguments from the lookup key.
	if idx := strings.Index(full, "<"); idx > 0 {
		full = full[:idx]
	}
	candidates := r.sema.symbols.LookupQualified(full)
	sym := pickCandidate(candidates)
	if sym == nil {
		return
	}
	r.emit(sym, name, enclosing, kind, len(candidates) > 1)
}

func (r *refResolver) recordRef(node *sitter.Node, sc scope, enclosing *Symbol, kind RefKind) {
	r.recordRefKind(node, sc, enclosing, kind)
}

func (r *refResolver) recordRefKind(node *sitter.Node, sc scope, enclosing *Symbol, kind RefKind) {
	if r.sema.declared[declKey{file: r.file, begin: uint32(node.StartByte())}] {
		return
	}

	spelled := r.text(node)

	// Macro uses shadow everything else; they go to the directive table.
	if r.sema.macros[spelled] {
		if directives := r.sema.dirs[r.file]; directives != nil {
			directives.Macros = append(directives.Macros, MacroOccurrence{
				Kind: MacroRef_, Name: spelled, NameRange: nodeRange(node),
			})
		}
		return
	}

	var sym *Symbol
	weak := false
	if node.Type() == "field_identifier" {
		// Field access cannot be scope-resolved without type inference;
		// fall back to a name-wide search and mark the result weak when
		// ambiguous.
		candidates := r.sema.symbols.LookupName(spelled)
		var members []*Symbol
		for _, candidate := range candidates {
			if candidate.Kind == SymField || candidate.Kind == SymMethod {
				members = append(members, candidate)
			}
		}
		sym = pickCandidate(members)
		weak = len(members) > 1
	} else {
		sym = r.sema.resolveName(spelled, sc)
	}
	if sym == nil {
		return
	}
	if weak && kind == RefPlain {
		kind = RefWeak
	}
	r.emit(sym, node, enclosing, kind, weak)
}

func (r *refResolver) emit(sym *Symbol, node *sitter.Node, enclosing *Symbol, kind RefKind, weak bool) {
	if weak && kind == RefPlain {
		kind = RefWeak
	}
	r.sema.refs = append(r.sema.refs, &Ref{
		Sym:       sym,
		Kind:      kind,
		File:      r.file,
		Range:     nodeRange(node),
		Enclosing: enclosing,
	})
}
