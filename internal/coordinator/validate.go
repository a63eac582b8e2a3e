package coordinator

import (
	"fmt"
	"regexp"
	"strings"
)

// SQL column type -> language type mapping used by the cross-layer check.
var sqlToLangType = map[string]string{
	"INTEGER":   "number",
	"INT":       "number",
	"BIGINT":    "number",
	"REAL":      "number",
	"NUMERIC":   "number",
	"TEXT":      "string",
	"VARCHAR":   "string",
	"CHAR":      "string",
	"UUID":      "string",
	"TIMESTAMP": "string",
	"DATETIME":  "string",
	"DATE":      "string",
	"BOOLEAN":   "boolean",
	"BLOB":      "Uint8Array",
	"JSON":      "unknown",
	"JSONB":     "unknown",
}

var (
	createTableRe = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?["']?(\w+)["']?\s*\((.*?)\)\s*;`)
	columnRe      = regexp.MustCompile(`(?i)^["']?(\w+)["']?\s+(\w+)`)
	interfaceRe   = regexp.MustCompile(`(?is)(?:export\s+)?interface\s+(\w+)\s*\{(.*?)\}`)
	fieldRe       = regexp.MustCompile(`^(\w+)\??\s*:\s*([\w\[\]]+)$`)

	routeDeclRe   = regexp.MustCompile(`(?i)(?:router|app)\.(get|post|put|patch|delete)\(\s*['"]([^'"]+)['"]`)
	fetchCallRe   = regexp.MustCompile(`fetch\(\s*['"]([^'"]+)['"](?:\s*,\s*\{([^}]*)\})?`)
	fetchMethodRe = regexp.MustCompile(`(?i)method:\s*['"](\w+)['"]`)
	apiHelperRe   = regexp.MustCompile(`(?i)\bapi\.(get|post|put|patch|delete)\(\s*['"]([^'"]+)['"]`)
)

// sqlConstraintWords are tokens that start table-level constraints, not
// columns.
var sqlConstraintWords = map[string]bool{
	"PRIMARY": true, "FOREIGN": true, "UNIQUE": true,
	"CHECK": true, "CONSTRAINT": true,
}

// ParseSQLColumns extracts column name -> SQL type from the first CREATE
// TABLE statement in a migration.
func ParseSQLColumns(sql string) (table string, columns map[string]string, err error) {
	m := createTableRe.FindStringSubmatch(sql)
	if m == nil {
		return "", nil, fmt.Errorf("no CREATE TABLE statement found")
	}
	table = m[1]
	columns = make(map[string]string)
	for _, line := range strings.Split(m[2], ",") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cm := columnRe.FindStringSubmatch(line)
		if cm == nil || sqlConstraintWords[strings.ToUpper(cm[1])] {
			continue
		}
		columns[cm[1]] = strings.ToUpper(cm[2])
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("table %s declares no columns", table)
	}
	return table, columns, nil
}

// ParseInterfaceFields extracts field name -> language type from the
// first interface declaration in a type file.
func ParseInterfaceFields(src string) (name string, fields map[string]string, err error) {
	m := interfaceRe.FindStringSubmatch(src)
	if m == nil {
		return "", nil, fmt.Errorf("no interface declaration found")
	}
	name = m[1]
	fields = make(map[string]string)
	for _, decl := range strings.FieldsFunc(m[2], func(r rune) bool { return r == ';' || r == '\n' }) {
		if fm := fieldRe.FindStringSubmatch(strings.TrimSpace(decl)); fm != nil {
			fields[fm[1]] = fm[2]
		}
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("interface %s declares no fields", name)
	}
	return name, fields, nil
}

// apiCall is one HTTP method/path pair, from either side of the
// UI-to-API contract.
type apiCall struct {
	Method string
	Path   string
}

// ParseRouteDecls extracts the endpoints a route file declares, from
// router.get/post/... style registrations.
func ParseRouteDecls(src string) []apiCall {
	var decls []apiCall
	for _, m := range routeDeclRe.FindAllStringSubmatch(src, -1) {
		decls = append(decls, apiCall{Method: strings.ToUpper(m[1]), Path: m[2]})
	}
	return decls
}

// ParseUICalls extracts the endpoints a component calls, from fetch()
// invocations and api.get/post/... helpers. A fetch without an explicit
// method is a GET.
func ParseUICalls(src string) []apiCall {
	var calls []apiCall
	for _, m := range fetchCallRe.FindAllStringSubmatch(src, -1) {
		method := "GET"
		if mm := fetchMethodRe.FindStringSubmatch(m[2]); mm != nil {
			method = strings.ToUpper(mm[1])
		}
		calls = append(calls, apiCall{Method: method, Path: m[1]})
	}
	for _, m := range apiHelperRe.FindAllStringSubmatch(src, -1) {
		calls = append(calls, apiCall{Method: strings.ToUpper(m[1]), Path: m[2]})
	}
	return calls
}

// routeMatches compares a called path against a declared route pattern
// segment by segment; a :param segment matches any single segment.
func routeMatches(declared, called string) bool {
	dsegs := strings.Split(strings.Trim(declared, "/"), "/")
	csegs := strings.Split(strings.Trim(called, "/"), "/")
	if len(dsegs) != len(csegs) {
		return false
	}
	for i, d := range dsegs {
		if strings.HasPrefix(d, ":") {
			continue
		}
		if d != csegs[i] {
			return false
		}
	}
	return true
}

// ValidateUIContract checks that every endpoint a component calls is
// declared by the route file, with the same method. Routes nothing
// calls are allowed; a component with no API calls passes.
func ValidateUIContract(routeSrc, uiSrc string) error {
	calls := ParseUICalls(uiSrc)
	if len(calls) == 0 {
		return nil
	}
	decls := ParseRouteDecls(routeSrc)
	if len(decls) == 0 {
		return fmt.Errorf("component calls %d endpoint(s) but the route file declares none", len(calls))
	}

	var problems []string
	for _, call := range calls {
		matched := false
		for _, d := range decls {
			if d.Method == call.Method && routeMatches(d.Path, call.Path) {
				matched = true
				break
			}
		}
		if !matched {
			problems = append(problems, fmt.Sprintf("%s %s has no matching route", call.Method, call.Path))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("ui calls undeclared endpoints: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateTypeMapping checks that every DB column has a corresponding
// field in the API type record with the mapped language type. Extra
// fields on the API side are allowed.
func ValidateTypeMapping(migrationSQL, typeSrc string) error {
	table, columns, err := ParseSQLColumns(migrationSQL)
	if err != nil {
		return err
	}
	iface, fields, err := ParseInterfaceFields(typeSrc)
	if err != nil {
		return err
	}

	var problems []string
	for col, sqlType := range columns {
		want, known := sqlToLangType[sqlType]
		if !known {
			problems = append(problems, fmt.Sprintf("column %s.%s has unmapped SQL type %s", table, col, sqlType))
			continue
		}
		got, ok := fields[col]
		if !ok {
			problems = append(problems, fmt.Sprintf("column %s.%s has no field on %s", table, col, iface))
			continue
		}
		if got != want {
			problems = append(problems, fmt.Sprintf("column %s.%s maps to %s but %s.%s is %s",
				table, col, want, iface, col, got))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("type mismatch between %s and %s: %s", table, iface, strings.Join(problems, "; "))
	}
	return nil
}
