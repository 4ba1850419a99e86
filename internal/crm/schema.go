package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// DefaultQueryLimit is appended to SOQL queries without a LIMIT clause.
const DefaultQueryLimit = 100

// Field is a normalized field description.
type Field struct {
	Name             string   `json:"name"`
	Label            string   `json:"label"`
	Type             string   `json:"type"`
	Length           int      `json:"length"`
	Custom           bool     `json:"custom"`
	Createable       bool     `json:"createable"`
	Updateable       bool     `json:"updateable"`
	Required         bool     `json:"required"`
	Unique           bool     `json:"unique"`
	DefaultValue     any      `json:"default_value"`
	PicklistValues   []string `json:"picklist_values"`
	ReferenceTo      []string `json:"reference_to"`
	RelationshipName string   `json:"relationship_name,omitempty"`
	HelpText         string   `json:"help_text,omitempty"`
	Formula          string   `json:"formula,omitempty"`
	Encrypted        bool     `json:"encrypted"`
}

// Relationship is a lookup or master-detail link to a parent object.
type Relationship struct {
	FieldName        string `json:"field_name"`
	RelationshipName string `json:"relationship_name,omitempty"`
	RelationshipType string `json:"relationship_type"`
	RelatedObject    string `json:"related_object"`
	CascadeDelete    bool   `json:"cascade_delete"`
}

// RecordType describes one record type of an object.
type RecordType struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DeveloperName string `json:"developer_name"`
	Active        bool   `json:"active"`
	Default       bool   `json:"default"`
}

// ChildRelationship is a link from a child object back to this one.
type ChildRelationship struct {
	ChildObject      string `json:"child_object"`
	Field            string `json:"field"`
	RelationshipName string `json:"relationship_name,omitempty"`
	CascadeDelete    bool   `json:"cascade_delete"`
}

// ObjectInfo is the summary of an object from the sobjects listing.
type ObjectInfo struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	LabelPlural string `json:"label_plural"`
	Custom      bool   `json:"custom"`
	Createable  bool   `json:"createable"`
	Updateable  bool   `json:"updateable"`
	Deletable   bool   `json:"deletable"`
	Queryable   bool   `json:"queryable"`
	Searchable  bool   `json:"searchable"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// Schema is the enriched describe result for one object.
type Schema struct {
	ObjectInfo
	Fields             []Field             `json:"fields"`
	Relationships      []Relationship      `json:"relationships"`
	RecordTypes        []RecordType        `json:"record_types"`
	ChildRelationships []ChildRelationship `json:"child_relationships"`
}

// RelatedObject is one entry of RelatedObjects.
type RelatedObject struct {
	RelatedObject    string `json:"related_object"`
	RelationshipType string `json:"relationship_type"`
	FieldName        string `json:"field_name"`
	RelationshipName string `json:"relationship_name,omitempty"`
	Direction        string `json:"direction"`
}

// ConnectionInfo is returned by TestConnection.
type ConnectionInfo struct {
	Connected    bool           `json:"connected"`
	AuthType     string         `json:"auth_type"`
	InstanceURL  string         `json:"instance_url"`
	APIVersion   string         `json:"api_version"`
	SObjectCount int            `json:"sobjects_count"`
	OrgInfo      map[string]any `json:"org_info,omitempty"`
}

// DataPatterns summarizes the values held by one field.
type DataPatterns struct {
	ObjectName  string           `json:"object_name"`
	FieldName   string           `json:"field_name"`
	FieldType   string           `json:"field_type"`
	Samples     []map[string]any `json:"data_samples"`
	SampleCount int              `json:"sample_count"`
	Field       Field            `json:"field_metadata"`
}

type rawObject struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	LabelPlural string `json:"labelPlural"`
	Custom      bool   `json:"custom"`
	Createable  bool   `json:"createable"`
	Updateable  bool   `json:"updateable"`
	Deletable   bool   `json:"deletable"`
	Queryable   bool   `json:"queryable"`
	Searchable  bool   `json:"searchable"`
	KeyPrefix   string `json:"keyPrefix"`
}

func (r rawObject) info() ObjectInfo {
	return ObjectInfo{
		Name:        r.Name,
		Label:       r.Label,
		LabelPlural: r.LabelPlural,
		Custom:      r.Custom,
		Createable:  r.Createable,
		Updateable:  r.Updateable,
		Deletable:   r.Deletable,
		Queryable:   r.Queryable,
		Searchable:  r.Searchable,
		KeyPrefix:   r.KeyPrefix,
	}
}

type rawField struct {
	Name           string `json:"name"`
	Label          string `json:"label"`
	Type           string `json:"type"`
	Length         int    `json:"length"`
	Custom         bool   `json:"custom"`
	Createable     bool   `json:"createable"`
	Updateable     bool   `json:"updateable"`
	Nillable       *bool  `json:"nillable"`
	Unique         bool   `json:"unique"`
	DefaultValue   any    `json:"defaultValue"`
	PicklistValues []struct {
		Value  string `json:"value"`
		Active bool   `json:"active"`
	} `json:"picklistValues"`
	ReferenceTo       []string `json:"referenceTo"`
	RelationshipName  *string  `json:"relationshipName"`
	InlineHelpText    *string  `json:"inlineHelpText"`
	CalculatedFormula *string  `json:"calculatedFormula"`
	Encrypted         bool     `json:"encrypted"`
	CascadeDelete     bool     `json:"cascadeDelete"`
}

type rawDescribe struct {
	rawObject
	Fields          []rawField `json:"fields"`
	RecordTypeInfos []struct {
		RecordTypeID             string `json:"recordTypeId"`
		Name                     string `json:"name"`
		DeveloperName            string `json:"developerName"`
		Active                   bool   `json:"active"`
		DefaultRecordTypeMapping bool   `json:"defaultRecordTypeMapping"`
	} `json:"recordTypeInfos"`
	ChildRelationships []struct {
		ChildSObject     string  `json:"childSObject"`
		Field            string  `json:"field"`
		RelationshipName *string `json:"relationshipName"`
		CascadeDelete    bool    `json:"cascadeDelete"`
	} `json:"childRelationships"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DescribeObject fetches and normalizes the schema of one object.
// Every call hits the remote API.
func (c *Connector) DescribeObject(ctx context.Context, name string) (*Schema, error) {
	var raw rawDescribe
	if err := c.Request(ctx, http.MethodGet, "sobjects/"+url.PathEscape(name)+"/describe", nil, &raw); err != nil {
		return nil, err
	}

	s := &Schema{
		ObjectInfo:         raw.info(),
		Fields:             make([]Field, 0, len(raw.Fields)),
		Relationships:      extractRelationships(raw.Fields),
		RecordTypes:        make([]RecordType, 0, len(raw.RecordTypeInfos)),
		ChildRelationships: make([]ChildRelationship, 0, len(raw.ChildRelationships)),
	}
	if s.Name == "" {
		s.Name = name
	}
	for _, f := range raw.Fields {
		s.Fields = append(s.Fields, normalizeField(f))
	}
	for _, rt := range raw.RecordTypeInfos {
		s.RecordTypes = append(s.RecordTypes, RecordType{
			ID:            rt.RecordTypeID,
			Name:          rt.Name,
			DeveloperName: rt.DeveloperName,
			Active:        rt.Active,
			Default:       rt.DefaultRecordTypeMapping,
		})
	}
	for _, cr := range raw.ChildRelationships {
		s.ChildRelationships = append(s.ChildRelationships, ChildRelationship{
			ChildObject:      cr.ChildSObject,
			Field:            cr.Field,
			RelationshipName: deref(cr.RelationshipName),
			CascadeDelete:    cr.CascadeDelete,
		})
	}
	return s, nil
}

func normalizeField(f rawField) Field {
	out := Field{
		Name:             f.Name,
		Label:            f.Label,
		Type:             f.Type,
		Length:           f.Length,
		Custom:           f.Custom,
		Createable:       f.Createable,
		Updateable:       f.Updateable,
		Required:         f.Nillable != nil && !*f.Nillable,
		Unique:           f.Unique,
		DefaultValue:     f.DefaultValue,
		PicklistValues:   []string{},
		ReferenceTo:      []string{},
		RelationshipName: deref(f.RelationshipName),
		HelpText:         deref(f.InlineHelpText),
		Formula:          deref(f.CalculatedFormula),
		Encrypted:        f.Encrypted,
	}
	for _, pv := range f.PicklistValues {
		if pv.Active {
			out.PicklistValues = append(out.PicklistValues, pv.Value)
		}
	}
	out.ReferenceTo = append(out.ReferenceTo, f.ReferenceTo...)
	return out
}

// extractRelationships yields one entry per declared target of every
// reference or master-detail field.
func extractRelationships(fields []rawField) []Relationship {
	rels := []Relationship{}
	for _, f := range fields {
		t := strings.ToLower(f.Type)
		if t != "reference" && t != "masterdetail" {
			continue
		}
		for _, target := range f.ReferenceTo {
			rels = append(rels, Relationship{
				FieldName:        f.Name,
				RelationshipName: deref(f.RelationshipName),
				RelationshipType: f.Type,
				RelatedObject:    target,
				CascadeDelete:    f.CascadeDelete,
			})
		}
	}
	return rels
}

// ListObjects returns every object of the org, optionally only custom ones.
func (c *Connector) ListObjects(ctx context.Context, customOnly bool) ([]ObjectInfo, error) {
	var raw struct {
		SObjects []rawObject `json:"sobjects"`
	}
	if err := c.Request(ctx, http.MethodGet, "sobjects", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]ObjectInfo, 0, len(raw.SObjects))
	for _, o := range raw.SObjects {
		if customOnly && !o.Custom {
			continue
		}
		out = append(out, o.info())
	}
	return out, nil
}

// SearchObjects returns objects whose name or label contains term.
func (c *Connector) SearchObjects(ctx context.Context, term string) ([]ObjectInfo, error) {
	all, err := c.ListObjects(ctx, false)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []ObjectInfo
	for _, o := range all {
		if strings.Contains(strings.ToLower(o.Name), term) || strings.Contains(strings.ToLower(o.Label), term) {
			out = append(out, o)
		}
	}
	return out, nil
}

// FieldDetails returns one normalized field of an object.
func (c *Connector) FieldDetails(ctx context.Context, object, field string) (*Field, error) {
	s, err := c.DescribeObject(ctx, object)
	if err != nil {
		return nil, err
	}
	for i := range s.Fields {
		if s.Fields[i].Name == field {
			return &s.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("%s.%s: %w", object, field, ErrFieldNotFound)
}

// RelatedObjects lists parent and child relationships of an object.
func (c *Connector) RelatedObjects(ctx context.Context, object string) ([]RelatedObject, error) {
	s, err := c.DescribeObject(ctx, object)
	if err != nil {
		return nil, err
	}

	out := make([]RelatedObject, 0, len(s.Relationships)+len(s.ChildRelationships))
	for _, r := range s.Relationships {
		out = append(out, RelatedObject{
			RelatedObject:    r.RelatedObject,
			RelationshipType: r.RelationshipType,
			FieldName:        r.FieldName,
			RelationshipName: r.RelationshipName,
			Direction:        "parent",
		})
	}
	for _, cr := range s.ChildRelationships {
		out = append(out, RelatedObject{
			RelatedObject:    cr.ChildObject,
			RelationshipType: "child",
			FieldName:        cr.Field,
			RelationshipName: cr.RelationshipName,
			Direction:        "child",
		})
	}
	return out, nil
}

// Query runs a SOQL query, appending " LIMIT n" when the text has no LIMIT.
// The SOQL text is sent as given; callers own its injection safety.
func (c *Connector) Query(ctx context.Context, soql string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if !strings.Contains(strings.ToUpper(soql), "LIMIT") {
		soql = fmt.Sprintf("%s LIMIT %d", soql, limit)
	}

	var raw struct {
		Records []map[string]any `json:"records"`
	}
	if err := c.Request(ctx, http.MethodGet, "query", url.Values{"q": {soql}}, &raw); err != nil {
		return nil, err
	}
	if raw.Records == nil {
		raw.Records = []map[string]any{}
	}
	return raw.Records, nil
}

// OrgLimits returns the raw org limits document.
func (c *Connector) OrgLimits(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Request(ctx, http.MethodGet, "limits", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection authenticates and reads basic org information.
func (c *Connector) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	records, err := c.Query(ctx, "SELECT Id, Name, OrganizationType, InstanceName FROM Organization LIMIT 1", 1)
	if err != nil {
		return nil, err
	}
	objects, err := c.ListObjects(ctx, false)
	if err != nil {
		return nil, err
	}

	info := &ConnectionInfo{
		Connected:    true,
		AuthType:     c.grant,
		InstanceURL:  c.InstanceURL(),
		APIVersion:   c.cfg.APIVersion,
		SObjectCount: len(objects),
	}
	if len(records) > 0 {
		info.OrgInfo = records[0]
	}
	return info, nil
}

// AnalyzeDataPatterns samples non-null values of one field. Picklists are
// grouped and counted.
func (c *Connector) AnalyzeDataPatterns(ctx context.Context, object, field string, limit int) (*DataPatterns, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := c.FieldDetails(ctx, object, field)
	if err != nil {
		return nil, err
	}

	var soql string
	switch f.Type {
	case "picklist", "multipicklist":
		soql = fmt.Sprintf("SELECT %s, COUNT(Id) cnt FROM %s WHERE %s != null GROUP BY %s ORDER BY COUNT(Id) DESC LIMIT %d",
			field, object, field, field, limit)
	default:
		soql = fmt.Sprintf("SELECT %s FROM %s WHERE %s != null LIMIT %d", field, object, field, limit)
	}

	records, err := c.Query(ctx, soql, limit)
	if err != nil {
		return nil, err
	}
	return &DataPatterns{
		ObjectName:  object,
		FieldName:   field,
		FieldType:   f.Type,
		Samples:     records,
		SampleCount: len(records),
		Field:       *f,
	}, nil
}

// SortedFieldNames returns the field names of s in lexical order.
func (s *Schema) SortedFieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}
