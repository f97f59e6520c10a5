package cache

import (
	"fmt"
	"strings"
)

// Edge is a natural equi-join candidate: From.FromColumn = To's primary key.
type Edge struct {
	From       string
	FromColumn string
	To         string
	ToColumn   string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.From, e.FromColumn, e.To, e.ToColumn)
}

// JoinKind is how a table is attached to the tables before it. JoinCross
// pairs every earlier row with every row of the table and keeps earlier rows
// when the table is empty.
type JoinKind int

const (
	JoinRoot JoinKind = iota
	JoinLeft
	JoinCross
)

func (k JoinKind) String() string {
	switch k {
	case JoinRoot:
		return "ROOT"
	case JoinLeft:
		return "LEFT JOIN"
	case JoinCross:
		return "LEFT JOIN ON TRUE"
	}
	return "UNKNOWN"
}

// JoinStep attaches one table to the unified row.
type JoinStep struct {
	Table string
	Alias string
	Kind  JoinKind
	On    []Edge
}

// Column is one field of the unified projection.
type Column struct {
	Table  string
	Name   string
	Alias  string
	source string
}

// Plan is the join and projection derived from a Schema. It holds
// identifiers only and never row values.
type Plan struct {
	Steps   []JoinStep
	Columns []Column
	edges   []Edge
	byAlias map[string]int
	aliases map[string]string
}

// Edges returns every join edge found in the schema, in schema order.
func (p *Plan) Edges() []Edge {
	return append([]Edge(nil), p.edges...)
}

// ColumnNames returns the projection field names in output order.
func (p *Plan) ColumnNames() []string {
	res := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		res[i] = c.Alias
	}
	return res
}

// Column resolves a projection field name.
func (p *Plan) Column(alias string) (Column, bool) {
	i, ok := p.byAlias[alias]
	if !ok {
		return Column{}, false
	}
	return p.Columns[i], true
}

// PlanJoins derives the join plan and unified projection for s.
func PlanJoins(s *Schema) (*Plan, error) {
	tables := s.Tables()
	p := &Plan{
		byAlias: make(map[string]int),
		aliases: make(map[string]string, len(tables)),
	}

	owners := make(map[string][]string)
	for _, t := range tables {
		owners[t.PrimaryKey()] = append(owners[t.PrimaryKey()], t.Name)
	}

	for _, b := range tables {
		for _, col := range b.Columns {
			var targets []string
			for _, a := range owners[col] {
				if a != b.Name {
					targets = append(targets, a)
				}
			}
			switch {
			case len(targets) > 1:
				return nil, &AmbiguousJoinError{Table: b.Name, Column: col, Candidates: targets}
			case len(targets) == 1:
				p.edges = append(p.edges, Edge{From: b.Name, FromColumn: col, To: targets[0], ToColumn: col})
			}
		}
	}

	joined := make(map[string]bool, len(tables))
	for i, t := range tables {
		step := JoinStep{Table: t.Name, Alias: fmt.Sprintf("t%d", i), Kind: JoinRoot}
		if i > 0 {
			seen := make(map[string]bool)
			for _, e := range p.edges {
				if !(e.From == t.Name && joined[e.To]) && !(e.To == t.Name && joined[e.From]) {
					continue
				}
				key := e.From + "." + e.FromColumn + "=" + e.To
				rev := e.To + "." + e.ToColumn + "=" + e.From
				if seen[key] || seen[rev] {
					continue
				}
				seen[key] = true
				step.On = append(step.On, e)
			}
			step.Kind = JoinCross
			if len(step.On) > 0 {
				step.Kind = JoinLeft
			}
		}
		p.aliases[t.Name] = step.Alias
		p.Steps = append(p.Steps, step)
		joined[t.Name] = true
	}

	for _, t := range tables {
		for _, col := range t.Columns {
			alias := col
			if _, taken := p.byAlias[alias]; taken {
				alias = t.Name + "_" + col
				for n := 2; ; n++ {
					if _, taken := p.byAlias[alias]; !taken {
						break
					}
					alias = fmt.Sprintf("%s_%s_%d", t.Name, col, n)
				}
			}
			p.byAlias[alias] = len(p.Columns)
			p.Columns = append(p.Columns, Column{
				Table:  t.Name,
				Name:   col,
				Alias:  alias,
				source: p.aliases[t.Name] + "." + quoteIdent(col),
			})
		}
	}
	return p, nil
}

// from renders the FROM clause against the physical table names.
func (p *Plan) from(physical map[string]string) (string, error) {
	var sb strings.Builder
	for _, step := range p.Steps {
		phys, ok := physical[step.Table]
		if !ok {
			return "", fmt.Errorf("no storage for table %q", step.Table)
		}
		switch step.Kind {
		case JoinRoot:
			fmt.Fprintf(&sb, "FROM %s %s", quoteIdent(phys), step.Alias)
		case JoinCross:
			fmt.Fprintf(&sb, " LEFT JOIN %s %s ON 1 = 1", quoteIdent(phys), step.Alias)
		case JoinLeft:
			conds := make([]string, len(step.On))
			for i, e := range step.On {
				conds[i] = fmt.Sprintf("%s.%s = %s.%s",
					p.aliases[e.From], quoteIdent(e.FromColumn), p.aliases[e.To], quoteIdent(e.ToColumn))
			}
			fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s", quoteIdent(phys), step.Alias, strings.Join(conds, " AND "))
		}
	}
	return sb.String(), nil
}
