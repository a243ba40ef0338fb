// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// FakeDynamo is an in-memory DynamoDB supporting the expression subset the stores use:
// conditions and key conditions made of AND-joined comparisons and
// attribute_exists/attribute_not_exists, SET/ADD/REMOVE updates, paginated queries and
// all-or-nothing TransactWriteItems with per-item cancellation reasons.
type FakeDynamo struct {
	mu      sync.Mutex
	keys    map[string]string
	tables  map[string]map[string]item
	indexes map[string]map[string]string // table -> index -> sort key

	// Hook, when set, runs before every operation; a non-nil error is returned as is.
	Hook func(op, table string) error

	Calls map[string]int
}

func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		keys:    map[string]string{},
		tables:  map[string]map[string]item{},
		indexes: map[string]map[string]string{},
		Calls:   map[string]int{},
	}
}

// AddTable registers a table and its partition key attribute.
func (f *FakeDynamo) AddTable(name, pk string) *FakeDynamo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = pk
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]item{}
	}
	return f
}

// AddIndex registers a secondary index whose query results are ordered by sortKey.
// Queries on unregistered indexes are ordered by partition key.
func (f *FakeDynamo) AddIndex(table, index, sortKey string) *FakeDynamo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexes[table] == nil {
		f.indexes[table] = map[string]string{}
	}
	f.indexes[table][index] = sortKey
	return f
}

// Seed marshals v with attributevalue and stores it without conditions.
func (f *FakeDynamo) Seed(table string, v any) error {
	m, err := attributevalue.MarshalMap(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, err := f.pkValue(table, m)
	if err != nil {
		return err
	}
	f.tables[table][pk] = copyItem(m)
	return nil
}

// Item returns a copy of the stored item, or nil.
func (f *FakeDynamo) Item(table, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Load unmarshals the stored item into out and reports whether it exists.
func (f *FakeDynamo) Load(table, pk string, out any) (bool, error) {
	it := f.Item(table, pk)
	if it == nil {
		return false, nil
	}
	return true, attributevalue.UnmarshalMap(it, out)
}

// Len returns the number of items in table.
func (f *FakeDynamo) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *FakeDynamo) before(op, table string) error {
	f.Calls[op]++
	if _, ok := f.tables[table]; !ok {
		return &types.ResourceNotFoundException{Message: strPtr("table not found: " + table)}
	}
	if f.Hook != nil {
		return f.Hook(op, table)
	}
	return nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *params.TableName
	if err := f.before("PutItem", table); err != nil {
		return nil, err
	}
	pk, err := f.pkValue(table, params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(params.ConditionExpression), f.tables[table][pk], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	f.tables[table][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *params.TableName
	if err := f.before("GetItem", table); err != nil {
		return nil, err
	}
	pk, err := f.pkValue(table, params.Key)
	if err != nil {
		return nil, err
	}
	it, ok := f.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *params.TableName
	if err := f.before("UpdateItem", table); err != nil {
		return nil, err
	}
	updated, err := f.update(table, params.Key, deref(params.UpdateExpression), deref(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: updated}, nil
}

func (f *FakeDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *params.TableName
	if err := f.before("Query", table); err != nil {
		return nil, err
	}

	pkName := f.keys[table]
	var sortKey string
	if params.IndexName != nil {
		sortKey = f.indexes[table][*params.IndexName]
	}

	var matched []item
	for _, it := range f.tables[table] {
		ok, err := evalCondition(deref(params.KeyConditionExpression), it, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if sortKey != "" {
			if c, _ := compare(matched[i][sortKey], matched[j][sortKey]); c != 0 {
				return c < 0
			}
		}
		return attrString(matched[i][pkName]) < attrString(matched[j][pkName])
	})

	if start := params.ExclusiveStartKey; len(start) > 0 {
		startPK := attrString(start[pkName])
		for i, it := range matched {
			if attrString(it[pkName]) == startPK {
				matched = matched[i+1:]
				break
			}
		}
	}

	out := &dyn.QueryOutput{}
	// Limit applies before the filter, as in DynamoDB.
	if params.Limit != nil && int(*params.Limit) < len(matched) {
		matched = matched[:*params.Limit]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = item{pkName: last[pkName]}
		if sortKey != "" {
			out.LastEvaluatedKey[sortKey] = last[sortKey]
		}
	}

	for _, it := range matched {
		ok, err := evalCondition(deref(params.FilterExpression), it, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *FakeDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["TransactWriteItems"]++
	if f.Hook != nil {
		if err := f.Hook("TransactWriteItems", ""); err != nil {
			return nil, err
		}
	}

	// first pass: evaluate every condition against the current state
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, ti := range params.TransactItems {
		var (
			table, cond string
			key         item
			names       map[string]string
			values      map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			table, cond, names, values = *ti.Put.TableName, deref(ti.Put.ConditionExpression), ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			key = ti.Put.Item
		case ti.Update != nil:
			table, cond, names, values = *ti.Update.TableName, deref(ti.Update.ConditionExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
			key = ti.Update.Key
		case ti.ConditionCheck != nil:
			table, cond, names, values = *ti.ConditionCheck.TableName, deref(ti.ConditionCheck.ConditionExpression), ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
			key = ti.ConditionCheck.Key
		default:
			return nil, errors.New("fake dynamo: unsupported transact item")
		}
		if _, ok := f.tables[table]; !ok {
			return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + table)}
		}
		pk, err := f.pkValue(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, f.tables[table][pk], names, values)
		if err != nil {
			return nil, err
		}
		code := "None"
		if !ok {
			code = "ConditionalCheckFailed"
			canceled = true
		}
		reasons[i] = types.CancellationReason{Code: strPtr(code)}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	// second pass: apply
	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			table := *ti.Put.TableName
			pk, _ := f.pkValue(table, ti.Put.Item)
			f.tables[table][pk] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			u := ti.Update
			if _, err := f.update(*u.TableName, u.Key, deref(u.UpdateExpression), "", u.ExpressionAttributeNames, u.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *FakeDynamo) pkValue(table string, m item) (string, error) {
	name, ok := f.keys[table]
	if !ok {
		return "", fmt.Errorf("fake dynamo: unknown table %q", table)
	}
	v, ok := m[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("fake dynamo: missing string key %q", name)
	}
	return v.Value, nil
}

// update applies an update expression, creating the item if it does not exist (as
// UpdateItem does), after checking cond.
func (f *FakeDynamo) update(table string, key item, updateExpr, cond string, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	pk, err := f.pkValue(table, key)
	if err != nil {
		return nil, err
	}
	current := f.tables[table][pk]
	ok, err := evalCondition(cond, current, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}

	next := copyItem(current)
	if next == nil {
		next = copyItem(key)
	}
	for _, sec := range splitSections(updateExpr) {
		switch sec.action {
		case "SET":
			for _, assign := range splitList(sec.body) {
				parts := strings.SplitN(assign, "=", 2)
				if len(parts) != 2 {
					return nil, fmt.Errorf("fake dynamo: bad SET clause %q", assign)
				}
				name := resolveName(strings.TrimSpace(parts[0]), names)
				v, ok := values[strings.TrimSpace(parts[1])]
				if !ok {
					return nil, fmt.Errorf("fake dynamo: missing value %q", parts[1])
				}
				next[name] = v
			}
		case "ADD":
			for _, clause := range splitList(sec.body) {
				fields := strings.Fields(clause)
				if len(fields) != 2 {
					return nil, fmt.Errorf("fake dynamo: bad ADD clause %q", clause)
				}
				name := resolveName(fields[0], names)
				v, ok := values[fields[1]]
				if !ok {
					return nil, fmt.Errorf("fake dynamo: missing value %q", fields[1])
				}
				merged, err := addValue(next[name], v)
				if err != nil {
					return nil, err
				}
				next[name] = merged
			}
		case "REMOVE":
			for _, n := range splitList(sec.body) {
				delete(next, resolveName(n, names))
			}
		}
	}
	f.tables[table][pk] = next
	return copyItem(next), nil
}

type section struct {
	action string
	body   string
}

var sectionRe = regexp.MustCompile(`\b(SET|ADD|REMOVE)\s`)

func splitSections(expr string) []section {
	idx := sectionRe.FindAllStringSubmatchIndex(expr, -1)
	var out []section
	for i, m := range idx {
		end := len(expr)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		out = append(out, section{
			action: expr[m[2]:m[3]],
			body:   strings.TrimSpace(expr[m[1]:end]),
		})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func addValue(current, delta types.AttributeValue) (types.AttributeValue, error) {
	switch d := delta.(type) {
	case *types.AttributeValueMemberSS:
		set := map[string]bool{}
		var merged []string
		if c, ok := current.(*types.AttributeValueMemberSS); ok {
			for _, v := range c.Value {
				if !set[v] {
					set[v] = true
					merged = append(merged, v)
				}
			}
		}
		for _, v := range d.Value {
			if !set[v] {
				set[v] = true
				merged = append(merged, v)
			}
		}
		return &types.AttributeValueMemberSS{Value: merged}, nil
	case *types.AttributeValueMemberN:
		base := 0.0
		if c, ok := current.(*types.AttributeValueMemberN); ok {
			base, _ = strconv.ParseFloat(c.Value, 64)
		}
		inc, err := strconv.ParseFloat(d.Value, 64)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(base+inc, 'f', -1, 64)}, nil
	}
	return nil, fmt.Errorf("fake dynamo: unsupported ADD operand %T", delta)
}

var (
	existsRe  = regexp.MustCompile(`^attribute_(not_)?exists\(\s*([#\w]+)\s*\)$`)
	compareRe = regexp.MustCompile(`^([#\w]+)\s*(=|<>|<=|>=|<|>)\s*(:\w+)$`)
)

// evalCondition evaluates an AND-joined condition against it (nil when absent).
// An empty expression is always true.
func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		if m := existsRe.FindStringSubmatch(clause); m != nil {
			_, present := it[resolveName(m[2], names)]
			if present == (m[1] == "not_") {
				return false, nil
			}
			continue
		}
		m := compareRe.FindStringSubmatch(clause)
		if m == nil {
			return false, fmt.Errorf("fake dynamo: unsupported condition %q", clause)
		}
		want, ok := values[m[3]]
		if !ok {
			return false, fmt.Errorf("fake dynamo: missing value %q", m[3])
		}
		got, present := it[resolveName(m[1], names)]
		if !present {
			return false, nil
		}
		cmp, err := compare(got, want)
		if err != nil {
			return false, err
		}
		var pass bool
		switch m[2] {
		case "=":
			pass = cmp == 0
		case "<>":
			pass = cmp != 0
		case "<":
			pass = cmp < 0
		case "<=":
			pass = cmp <= 0
		case ">":
			pass = cmp > 0
		case ">=":
			pass = cmp >= 0
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 1, nil
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 1, nil
		}
		x, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(bv.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if ok && av.Value == bv.Value {
			return 0, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("fake dynamo: unsupported comparison of %T", a)
}

func attrString(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func resolveName(n string, names map[string]string) string {
	if strings.HasPrefix(n, "#") {
		if real, ok := names[n]; ok {
			return real
		}
	}
	return n
}

func copyItem(m item) item {
	if m == nil {
		return nil
	}
	out := make(item, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
