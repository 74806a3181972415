package rag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/models"
)

var validOperators = []string{"eq", "gt", "lt", "contains"}

// ParseMetadataFilter parses a "field:operator:value" expression into a
// MetadataFilter. The value is coerced to bool, then number, then string.
//
// Examples:
//
//	author:eq:John
//	rating:gt:4.5
//	tags:contains:python
func ParseMetadataFilter(s string) (models.MetadataFilter, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return models.MetadataFilter{}, fmt.Errorf("invalid metadata filter %q: expected field:operator:value", s)
	}

	field, operator, raw := parts[0], parts[1], parts[2]

	if !isValidOperator(operator) {
		return models.MetadataFilter{}, fmt.Errorf("invalid operator %q: must be one of %s",
			operator, strings.Join(validOperators, ", "))
	}

	return models.MetadataFilter{
		Field:    field,
		Operator: operator,
		Value:    coerceValue(raw),
	}, nil
}

// ParseMetadataFilters parses a list of filter expressions, stopping at the
// first invalid one.
func ParseMetadataFilters(exprs []string) ([]models.MetadataFilter, error) {
	var filters []models.MetadataFilter
	for _, expr := range exprs {
		f, err := ParseMetadataFilter(expr)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func isValidOperator(op string) bool {
	for _, v := range validOperators {
		if op == v {
			return true
		}
	}
	return false
}

func coerceValue(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}

	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	} else if n, err := strconv.Atoi(raw); err == nil {
		return n
	}

	return raw
}
