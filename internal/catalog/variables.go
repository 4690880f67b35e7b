package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ParseVariables extracts the variable blocks of a Terraform file in declaration order.
func ParseVariables(src []byte, filename string) ([]Parameter, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("parse %s: unexpected body type %T", filename, file.Body)
	}

	params := []Parameter{}
	for _, block := range body.Blocks {
		if block.Type != "variable" || len(block.Labels) != 1 {
			continue
		}
		params = append(params, parseVariable(block))
	}
	return params, nil
}

func parseVariable(block *hclsyntax.Block) Parameter {
	p := Parameter{Name: block.Labels[0], Type: "string", Required: true}
	attrs := block.Body.Attributes

	if attr, ok := attrs["type"]; ok {
		if ty, diags := typeexpr.TypeConstraint(attr.Expr); !diags.HasErrors() {
			p.Type = typeName(ty)
		}
	}
	if attr, ok := attrs["description"]; ok {
		if v, ok := literal(attr.Expr); ok && v.Type().Equals(cty.String) && !v.IsNull() {
			p.Description = v.AsString()
		}
	}
	if attr, ok := attrs["default"]; ok {
		p.Required = false
		if v, ok := literal(attr.Expr); ok {
			p.Default = toGo(v)
		}
	}

	for _, vb := range block.Body.Blocks {
		if vb.Type != "validation" {
			continue
		}
		if attr, ok := vb.Body.Attributes["condition"]; ok {
			inspectCondition(attr.Expr, &p)
		}
		if attr, ok := vb.Body.Attributes["error_message"]; ok && p.ValidationMessage == "" {
			if v, ok := literal(attr.Expr); ok && v.Type().Equals(cty.String) && !v.IsNull() {
				p.ValidationMessage = v.AsString()
			}
		}
	}
	return p
}

func typeName(ty cty.Type) string {
	switch {
	case ty.Equals(cty.String):
		return "string"
	case ty.Equals(cty.Number):
		return "number"
	case ty.Equals(cty.Bool):
		return "bool"
	case ty.IsListType(), ty.IsSetType(), ty.IsTupleType():
		return "array"
	case ty.IsMapType(), ty.IsObjectType():
		return "map"
	}
	return "string"
}

// inspectCondition recognizes the common validation idioms:
// contains([...], var.x), can(regex("...", var.x)), length(var.x) <op> N and var.x <op> N.
func inspectCondition(expr hclsyntax.Expression, p *Parameter) {
	_ = hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		switch e := n.(type) {
		case *hclsyntax.FunctionCallExpr:
			switch e.Name {
			case "contains":
				if len(e.Args) == 2 {
					if tuple, ok := e.Args[0].(*hclsyntax.TupleConsExpr); ok && len(p.AllowedValues) == 0 {
						for _, item := range tuple.Exprs {
							if v, ok := literal(item); ok {
								p.AllowedValues = append(p.AllowedValues, toGo(v))
							}
						}
					}
				}
			case "regex":
				if len(e.Args) == 2 && p.Pattern == "" {
					if v, ok := literal(e.Args[0]); ok && v.Type().Equals(cty.String) {
						p.Pattern = v.AsString()
					}
				}
			}
		case *hclsyntax.BinaryOpExpr:
			inspectBound(e, p)
		}
		return nil
	})
}

func inspectBound(e *hclsyntax.BinaryOpExpr, p *Parameter) {
	bound, ok := literal(e.RHS)
	if !ok || !bound.Type().Equals(cty.Number) {
		return
	}
	n, _ := bound.AsBigFloat().Float64()

	lower := e.Op == hclsyntax.OpGreaterThanOrEqual || e.Op == hclsyntax.OpGreaterThan
	upper := e.Op == hclsyntax.OpLessThanOrEqual || e.Op == hclsyntax.OpLessThan
	if !lower && !upper {
		return
	}
	if e.Op == hclsyntax.OpGreaterThan {
		n++
	}
	if e.Op == hclsyntax.OpLessThan {
		n--
	}

	switch lhs := e.LHS.(type) {
	case *hclsyntax.FunctionCallExpr:
		if lhs.Name != "length" || len(lhs.Args) != 1 || !isVarRef(lhs.Args[0]) {
			return
		}
		v := int(n)
		if lower {
			p.MinLength = &v
		} else {
			p.MaxLength = &v
		}
	case *hclsyntax.ScopeTraversalExpr:
		if !isVarRef(lhs) {
			return
		}
		v := n
		if lower {
			p.MinValue = &v
		} else {
			p.MaxValue = &v
		}
	}
}

func isVarRef(expr hclsyntax.Expression) bool {
	st, ok := expr.(*hclsyntax.ScopeTraversalExpr)
	return ok && st.Traversal.RootName() == "var"
}

// literal evaluates an expression that needs no variables or functions.
func literal(expr hcl.Expression) (cty.Value, bool) {
	v, diags := expr.Value(nil)
	if diags.HasErrors() || !v.IsWhollyKnown() {
		return cty.NilVal, false
	}
	return v, true
}

func toGo(v cty.Value) any {
	if v.IsNull() {
		return nil
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
