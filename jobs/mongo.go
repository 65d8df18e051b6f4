package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/minionflow/config"
)

// casRetries bounds optimistic update retries under write contention.
const casRetries = 16

// mongoJob is the stored form of a job. Free-form values are kept as
// JSON strings so they decode back to the same Go shapes as the SQL
// ledger produces.
type mongoJob struct {
	JID        string        `bson:"_id"`
	Function   string        `bson:"fun"`
	Args       string        `bson:"args"`
	Kwargs     string        `bson:"kwargs"`
	User       string        `bson:"user"`
	Target     string        `bson:"tgt"`
	TargetType string        `bson:"tgt_type"`
	Mode       string        `bson:"mode"`
	Minions    []string      `bson:"minions"`
	Returns    []mongoReturn `bson:"returns"`
	Recorded   bool          `bson:"recorded"`
	Completed  bool          `bson:"completed"`
	CreatedAt  time.Time     `bson:"created_at"`
	Rev        int64         `bson:"rev"`
}

type mongoReturn struct {
	Minion     string    `bson:"minion"`
	Return     string    `bson:"ret"`
	Success    bool      `bson:"success"`
	Retcode    int       `bson:"retcode"`
	ReceivedAt time.Time `bson:"received_at"`
}

// MongoLedger stores one document per job. Result updates use a revision
// counter so concurrent returns for one jid never overwrite each other.
type MongoLedger struct {
	coll *mongo.Collection
}

// NewMongoLedger creates a ledger on coll.
func NewMongoLedger(coll *mongo.Collection) *MongoLedger {
	return &MongoLedger{coll: coll}
}

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the secondary indexes List relies on.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fun", Value: 1}}},
		{Keys: bson.D{{Key: "user", Value: 1}}},
		{Keys: bson.D{{Key: "completed", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

// Reserve implements Ledger.
func (l *MongoLedger) Reserve(ctx context.Context, jid string) error {
	created, err := JIDTime(jid)
	if err != nil {
		created = time.Now().UTC()
	}
	_, err = l.coll.InsertOne(ctx, mongoJob{
		JID:       jid,
		Minions:   []string{},
		Returns:   []mongoReturn{},
		CreatedAt: created,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrJIDExists
	}
	if err != nil {
		return fmt.Errorf("reserve jid: %w", err)
	}
	return nil
}

// Record implements Ledger.
func (l *MongoLedger) Record(ctx context.Context, job *Job) error {
	doc, err := toMongoJob(job)
	if err != nil {
		return err
	}
	_, err = l.coll.ReplaceOne(ctx, bson.M{"_id": job.JID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// UpdateResult implements Ledger.
func (l *MongoLedger) UpdateResult(ctx context.Context, jid string, ret Return) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		doc, err := l.load(ctx, jid)
		if err != nil {
			return err
		}
		if doc.Completed {
			return ErrJobCompleted
		}
		job, err := fromMongoJob(doc)
		if err != nil {
			return err
		}
		job.apply(ret)
		next, err := toMongoJob(job)
		if err != nil {
			return err
		}

		res, err := l.coll.UpdateOne(ctx,
			bson.M{"_id": jid, "rev": doc.Rev},
			bson.M{"$set": bson.M{
				"returns":   next.Returns,
				"completed": next.Completed,
				"rev":       doc.Rev + 1,
			}},
		)
		if err != nil {
			return fmt.Errorf("update result: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("update result for %s: too much contention", jid)
}

func (l *MongoLedger) load(ctx context.Context, jid string) (*mongoJob, error) {
	var doc mongoJob
	err := l.coll.FindOne(ctx, bson.M{"_id": jid, "recorded": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &doc, nil
}

// Get implements Ledger.
func (l *MongoLedger) Get(ctx context.Context, jid string) (*Job, error) {
	doc, err := l.load(ctx, jid)
	if err != nil {
		return nil, err
	}
	return fromMongoJob(doc)
}

// List implements Ledger.
func (l *MongoLedger) List(ctx context.Context, f Filter) ([]*Job, error) {
	cur, err := l.coll.Find(ctx, mongoFilter(f), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var docs []mongoJob
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]*Job, 0, len(docs))
	for i := range docs {
		j, err := fromMongoJob(&docs[i])
		if err != nil {
			return nil, err
		}
		if f.Match(j) {
			out = append(out, j)
		}
	}
	return applyLimit(out, f.Limit), nil
}

// Discard implements Ledger.
func (l *MongoLedger) Discard(ctx context.Context, jid string) error {
	if _, err := l.coll.DeleteOne(ctx, bson.M{"_id": jid}); err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	return nil
}

// mongoFilter pushes the exact-match parts of f into the query. The
// function glob is applied in Go.
func mongoFilter(f Filter) bson.M {
	q := bson.M{"recorded": true}
	if f.Target != "" {
		q["tgt"] = f.Target
	}
	if f.User != "" {
		q["user"] = f.User
	}
	created := bson.M{}
	if !f.Since.IsZero() {
		created["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		created["$lte"] = f.Until
	}
	if len(created) > 0 {
		q["created_at"] = created
	}
	if f.ActiveOnly {
		q["completed"] = false
	}
	return q
}

func toMongoJob(j *Job) (*mongoJob, error) {
	args, err := json.Marshal(nonNilArgs(j.Args))
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(j.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	doc := &mongoJob{
		JID:        j.JID,
		Function:   j.Function,
		Args:       string(args),
		Kwargs:     string(kwargs),
		User:       j.User,
		Target:     j.Target,
		TargetType: j.TargetType,
		Mode:       j.Mode,
		Minions:    nonNilStrings(j.Minions),
		Returns:    make([]mongoReturn, 0, len(j.Returns)),
		Recorded:   true,
		Completed:  j.Completed,
		CreatedAt:  j.CreatedAt,
	}
	for _, m := range sortedKeys(j.Returns) {
		r := j.Returns[m]
		data, err := json.Marshal(r.Return)
		if err != nil {
			return nil, fmt.Errorf("encode return: %w", err)
		}
		doc.Returns = append(doc.Returns, mongoReturn{
			Minion:     m,
			Return:     string(data),
			Success:    r.Success,
			Retcode:    r.Retcode,
			ReceivedAt: r.ReceivedAt,
		})
	}
	return doc, nil
}

func fromMongoJob(d *mongoJob) (*Job, error) {
	j := &Job{
		JID:        d.JID,
		Function:   d.Function,
		User:       d.User,
		Target:     d.Target,
		TargetType: d.TargetType,
		Mode:       d.Mode,
		Minions:    d.Minions,
		Completed:  d.Completed,
		CreatedAt:  d.CreatedAt,
		Returns:    make(map[string]Return, len(d.Returns)),
	}
	if err := decodeJSON(d.Args, &j.Args); err != nil {
		return nil, err
	}
	if err := decodeJSON(d.Kwargs, &j.Kwargs); err != nil {
		return nil, err
	}
	for _, r := range d.Returns {
		var v any
		if err := decodeJSON(r.Return, &v); err != nil {
			return nil, err
		}
		j.Returns[r.Minion] = Return{
			Minion:     r.Minion,
			Return:     v,
			Success:    r.Success,
			Retcode:    r.Retcode,
			ReceivedAt: r.ReceivedAt,
		}
	}
	return j, nil
}
