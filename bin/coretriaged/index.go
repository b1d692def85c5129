package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"
	"github.com/elwinar/coretriage"
	structmapper "gopkg.in/anexia-it/go-structmapper.v1"
)

// Index of the triaged incidents.
type Index interface {
	Find(key string) (coretriage.Incident, error)
	Index(coretriage.Incident) error
	Search(q, sort, order string, size, from int) ([]coretriage.Incident, uint64, error)
	Delete(key string) error
	Close() error
}

type BleveIndex struct {
	// the index is the actual struct we are interfacing with.
	index bleve.Index

	// the mapper is used to convert between the Incident struct itself and
	// the map[string]interface{} used internally by the bleve index. The
	// types of fields allowed by bleve are quite limited, so tags are
	// flattened as meta.x fields, which also makes them searchable.
	mapper *structmapper.Mapper
}

var _ Index = new(BleveIndex)

func NewBleveIndex(path string) (*BleveIndex, error) {
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap(err, `checking for index`)
	}

	var index bleve.Index
	if errors.Is(err, os.ErrNotExist) {
		index, err = bleve.New(path, bleve.NewIndexMapping())
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, wrap(err, `opening index`)
	}

	return newBleveIndex(index)
}

func newBleveIndex(index bleve.Index) (*BleveIndex, error) {
	// Initialize the structmapper to use the JSON tag. This avoid having
	// to re-define every field with yet another tag.
	mapper, err := structmapper.NewMapper(structmapper.OptionTagName("json"))
	if err != nil {
		return nil, wrap(err, `initializing mapper`)
	}

	return &BleveIndex{
		index:  index,
		mapper: mapper,
	}, nil
}

func (i *BleveIndex) Close() error {
	return i.index.Close()
}

func (i *BleveIndex) Find(key string) (c coretriage.Incident, err error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{key}))
	req.Fields = []string{"*"}

	res, err := i.index.Search(req)
	if err != nil {
		return c, wrap(err, `looking for incident`)
	}

	if len(res.Hits) == 0 {
		return c, ErrNotFound
	}

	return i.toIncident(res.Hits[0].Fields)
}

func (i *BleveIndex) Index(c coretriage.Incident) error {
	m, err := i.mapper.ToMap(c)
	if err != nil {
		return wrap(err, `mapping incident`)
	}

	// The date is given as is for bleve to index it as a datetime, and the
	// tags are flattened.
	m["date"] = c.Date
	delete(m, "tags")
	for k, v := range c.Tags {
		m[fmt.Sprintf("meta.%s", k)] = v
	}

	return i.index.Index(c.Key, m)
}

func (i *BleveIndex) Delete(key string) error {
	return i.index.Delete(key)
}

func (i *BleveIndex) Search(q, sort, order string, size, from int) (incidents []coretriage.Incident, total uint64, err error) {
	var qry query.Query = bleve.NewQueryStringQuery(q)
	if len(q) == 0 || q == "*" {
		qry = bleve.NewMatchAllQuery()
	}

	req := bleve.NewSearchRequestOptions(qry, size, from, false)
	req.Fields = []string{"*"}
	if order == "desc" {
		sort = "-" + sort
	}
	req.SortBy([]string{sort})

	res, err := i.index.Search(req)
	if err != nil {
		return nil, 0, wrap(err, `searching for incidents`)
	}

	for _, d := range res.Hits {
		c, err := i.toIncident(d.Fields)
		if err != nil {
			return nil, 0, err
		}
		incidents = append(incidents, c)
	}

	return incidents, res.Total, nil
}

// toIncident converts the stored fields of a document back into an
// Incident. The fields go through JSON like the documents coming out of the
// analysis, tags being gathered from the meta.x fields beforehand.
func (i *BleveIndex) toIncident(fields map[string]interface{}) (c coretriage.Incident, err error) {
	doc := make(map[string]interface{}, len(fields))
	tags := make(map[string]string)
	for k, v := range fields {
		if !strings.HasPrefix(k, "meta.") {
			doc[k] = v
			continue
		}

		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf(`unexpected type for tag %s in incident %v: %T`, k, fields["key"], v)
		}
		tags[strings.TrimPrefix(k, "meta.")] = s
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return c, wrap(err, `encoding indexed incident`)
	}

	err = json.Unmarshal(raw, &c)
	if err != nil {
		return c, wrap(err, `parsing indexed incident`)
	}

	c.Tags = tags
	return c, nil
}
