package dbsync

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB is the concrete DocumentDB backed by the external document
// database's mongo-wire-compatible endpoint. Every method here is safe to
// call from any goroutine; the driver does its own connection pooling
// underneath.
type MongoDB struct {
	db *mongo.Database
	timeout time.Duration
}

// DialMongo connects to uri and selects database dbName.
func DialMongo(ctx context.Context, uri, dbName string, timeout time.Duration) (*MongoDB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document db: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("document db ping failed: %w", err)
	}
	return &MongoDB{db: client.Database(dbName), timeout: timeout}, nil
}

func (m *MongoDB) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.timeout)
}

func (m *MongoDB) EnsureKind(ctx context.Context, kindID string, indexes []string) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	coll := m.db.Collection(kindID)
	for _, field := range indexes {
		model := mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}}
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("failed to ensure index %s on %s: %w", field, kindID, err)
		}
	}
	return nil
}

func (m *MongoDB) Find(ctx context.Context, kindID string, where []Where) ([]Row, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	filter := toFilter(where)
	cur, err := m.db.Collection(kindID).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find failed on %s: %w", kindID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	return decodeRows(ctx, cur)
}

func (m *MongoDB) Merge(ctx context.Context, kindID string, where []Where, props map[string]string) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	update := bson.M{"$set": props}
	if _, err := m.db.Collection(kindID).UpdateMany(ctx, toFilter(where), update); err != nil {
		return fmt.Errorf("merge failed on %s: %w", kindID, err)
	}
	return nil
}

func (m *MongoDB) Put(ctx context.Context, kindID string, rows []Row) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	docs := make([]any, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, toDocument(r))
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := m.db.Collection(kindID).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("put failed on %s: %w", kindID, err)
	}
	return nil
}

func (m *MongoDB) Batch(ctx context.Context, ops []BatchOp) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	session, err := m.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start batch session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, op := range ops {
			coll := m.db.Collection(op.Kind)
			switch {
			case op.Merge != nil:
				if _, err := coll.UpdateMany(sc, toFilter(op.Merge.Where), bson.M{"$set": op.Merge.Props}); err != nil {
					return nil, fmt.Errorf("batch merge failed on %s: %w", op.Kind, err)
				}
			case op.Del != nil:
				if _, err := coll.DeleteMany(sc, toFilter([]Where{*op.Del})); err != nil {
					return nil, fmt.Errorf("batch delete failed on %s: %w", op.Kind, err)
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("batch transaction failed: %w", err)
	}
	return nil
}

func (m *MongoDB) Search(ctx context.Context, kindID string, where []Where, cursor Cursor) ([]Row, Cursor, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	opts := options.Find().SetLimit(100)
	if cursor.Token != "" {
		opts = opts.SetSkip(parseSkip(cursor.Token))
	}

	cur, err := m.db.Collection(kindID).Find(ctx, toFilter(where), opts)
	if err != nil {
		return nil, Cursor{}, fmt.Errorf("search failed on %s: %w", kindID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	rows, err := decodeRows(ctx, cur)
	if err != nil {
		return nil, Cursor{}, err
	}
	next := Cursor{}
	if len(rows) == 100 {
		next.Token = fmt.Sprintf("%d", parseSkip(cursor.Token)+100)
	}
	return rows, next, nil
}

func (m *MongoDB) Del(ctx context.Context, kindID string, where []Where) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	if _, err := m.db.Collection(kindID).DeleteMany(ctx, toFilter(where)); err != nil {
		return fmt.Errorf("delete failed on %s: %w", kindID, err)
	}
	return nil
}

func (m *MongoDB) PutPermissions(ctx context.Context, callerID, kindID string, canRead, canWrite bool) error {
	ctx, cancel := m.ctx(ctx)
	defer cancel()

	filter := bson.M{"caller_id": callerID, "kind_id": kindID}
	update := bson.M{"$set": bson.M{"can_read": canRead, "can_write": canWrite}}
	_, err := m.db.Collection("_permissions").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put_permissions failed for %s/%s: %w", callerID, kindID, err)
	}
	return nil
}

func toFilter(where []Where) bson.M {
	filter := bson.M{}
	for _, w := range where {
		switch w.Op {
		case Eq:
			filter[w.Prop] = w.Val
		case Prefix:
			filter[w.Prop] = bson.M{"$regex": "^" + regexp.QuoteMeta(w.Val)}
		}
	}
	return filter
}

func toDocument(r Row) bson.M {
	doc := bson.M{"uri": r.URI, "hash": r.Hash}
	for k, v := range r.Props {
		doc[k] = v
	}
	return doc
}

func decodeRows(ctx context.Context, cur *mongo.Cursor) ([]Row, error) {
	var rows []Row
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		row := Row{Props: make(map[string]string)}
		for k, v := range doc {
			s := fmt.Sprintf("%v", v)
			switch k {
			case "uri":
				row.URI = s
			case "hash":
				row.Hash = s
			case "_id":
			default:
				row.Props[k] = s
			}
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return rows, nil
}

func parseSkip(token string) int64 {
	var n int64
	_, _ = fmt.Sscanf(token, "%d", &n)
	return n
}
