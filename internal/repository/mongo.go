package repository

import (
	"context"
	"errors"
	"regexp"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	requestsCollection    = "requests"
	submissionsCollection = "submissions"
	templatesCollection   = "templates"
)

func translateMongo(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return unavailable(op, err)
}

// mongoRequests stores each request as one document. There is no lock, so Update
// relies on the version filter of ReplaceOne; the enclosing session transaction
// discards the attempt's other writes when that filter misses.
type mongoRequests struct {
	coll *mongo.Collection
}

func NewMongoRequestRepository(db *mongo.Database) RequestRepository {
	return &mongoRequests{coll: db.Collection(requestsCollection)}
}

func (r *mongoRequests) Create(ctx context.Context, req *model.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, req); err != nil {
		return translateMongo("insert request", err)
	}
	return nil
}

func (r *mongoRequests) FindByID(ctx context.Context, id string) (*model.Request, error) {
	var req model.Request
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&req); err != nil {
		return nil, translateMongo("find request", err)
	}
	return &req, nil
}

func (r *mongoRequests) List(ctx context.Context, filter RequestFilter) ([]model.Request, int64, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.State != "" {
		query["targets.states"] = filter.State
	}
	if filter.AssigneeID != "" {
		query["current_assignee_id"] = filter.AssigneeID
	}

	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, translateMongo("count requests", err)
	}

	p := pagination.New(filter.Page, filter.Limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "deadline", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(p.Offset)).
		SetLimit(int64(p.Limit))
	cursor, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, translateMongo("list requests", err)
	}
	defer cursor.Close(ctx)

	requests := []model.Request{}
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, 0, translateMongo("decode requests", err)
	}
	return requests, total, nil
}

func (r *mongoRequests) Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	req, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := req.Version
	if err := fn(ctx, req); err != nil {
		return nil, err
	}
	req.ID = id
	req.Version = prev + 1
	req.UpdatedAt = time.Now().UTC()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": prev}, req)
	if err != nil {
		return nil, translateMongo("replace request", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrConflict
	}
	return req, nil
}

func (r *mongoRequests) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return translateMongo("delete request", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRequests) Count(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, translateMongo("count requests", err)
	}
	return n, nil
}

func (r *mongoRequests) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{
		"deadline": bson.M{"$lt": now},
		"status":   bson.M{"$nin": []string{model.StatusApproved, model.StatusClosed, model.StatusRejected}},
	})
	if err != nil {
		return 0, translateMongo("count overdue requests", err)
	}
	return n, nil
}

type mongoSubmissions struct {
	coll *mongo.Collection
}

func NewMongoSubmissionRepository(db *mongo.Database) SubmissionRepository {
	return &mongoSubmissions{coll: db.Collection(submissionsCollection)}
}

func (r *mongoSubmissions) Create(ctx context.Context, sub *model.ChildSubmission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, sub); err != nil {
		return translateMongo("insert submission", err)
	}
	return nil
}

func (r *mongoSubmissions) findOne(ctx context.Context, op string, filter bson.M, opts ...*options.FindOneOptions) (*model.ChildSubmission, error) {
	var sub model.ChildSubmission
	if err := r.coll.FindOne(ctx, filter, opts...).Decode(&sub); err != nil {
		return nil, translateMongo(op, err)
	}
	return &sub, nil
}

func (r *mongoSubmissions) FindByID(ctx context.Context, id string) (*model.ChildSubmission, error) {
	return r.findOne(ctx, "find submission", bson.M{"_id": id})
}

func (r *mongoSubmissions) FindOpen(ctx context.Context, requestID, state, division string) (*model.ChildSubmission, error) {
	return r.findOne(ctx, "find open submission", bson.M{
		"request_id": requestID,
		"state":      state,
		"branch":     division,
		"status":     bson.M{"$ne": model.SubmissionMerged},
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (r *mongoSubmissions) FindStateRecord(ctx context.Context, requestID, state string) (*model.ChildSubmission, error) {
	return r.findOne(ctx, "find state submission", bson.M{
		"request_id": requestID,
		"state":      state,
		"branch":     nil,
	})
}

func (r *mongoSubmissions) List(ctx context.Context, filter SubmissionFilter) ([]model.ChildSubmission, error) {
	query := bson.M{}
	if filter.RequestID != "" {
		query["request_id"] = filter.RequestID
	}
	if filter.State != "" {
		query["state"] = filter.State
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, translateMongo("list submissions", err)
	}
	defer cursor.Close(ctx)

	subs := []model.ChildSubmission{}
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, translateMongo("decode submissions", err)
	}
	return subs, nil
}

func (r *mongoSubmissions) Save(ctx context.Context, sub *model.ChildSubmission) error {
	prev := sub.Version
	next := sub.Clone()
	next.Version = prev + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": sub.ID, "version": prev}, next)
	if err != nil {
		return translateMongo("replace submission", err)
	}
	if res.MatchedCount == 0 {
		if _, err := r.FindByID(ctx, sub.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	sub.Version = next.Version
	sub.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *mongoSubmissions) DeleteByRequest(ctx context.Context, requestID string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"request_id": requestID})
	if err != nil {
		return 0, translateMongo("delete submissions", err)
	}
	return res.DeletedCount, nil
}

func (r *mongoSubmissions) CountByTemplate(ctx context.Context, templateID string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"template_id": templateID})
	if err != nil {
		return 0, translateMongo("count template submissions", err)
	}
	return n, nil
}

func (r *mongoSubmissions) Count(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, translateMongo("count submissions", err)
	}
	return n, nil
}

type mongoTemplates struct {
	coll *mongo.Collection
}

func NewMongoTemplateRepository(db *mongo.Database) TemplateRepository {
	return &mongoTemplates{coll: db.Collection(templatesCollection)}
}

func (r *mongoTemplates) Create(ctx context.Context, tpl *model.Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, tpl); err != nil {
		return translateMongo("insert template", err)
	}
	return nil
}

func (r *mongoTemplates) FindByID(ctx context.Context, id string) (*model.Template, error) {
	var tpl model.Template
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&tpl); err != nil {
		return nil, translateMongo("find template", err)
	}
	return &tpl, nil
}

func templateQuery(filter TemplateFilter) bson.M {
	query := bson.M{}
	var and bson.A
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	switch {
	case filter.SharedOnly:
		query["is_shared"] = true
	case filter.State != "" && filter.Division != "":
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"state": filter.State, "division": filter.Division},
			bson.M{"is_shared": true},
		}})
	default:
		if filter.State != "" {
			query["state"] = filter.State
		}
		if filter.Division != "" {
			query["division"] = filter.Division
		}
	}
	if filter.Search != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(filter.Search), "$options": "i"}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"name": pattern},
			bson.M{"tags": pattern},
		}})
	}
	if filter.UsedBy != "" {
		query["usage.user_id"] = filter.UsedBy
	}
	if len(and) > 0 {
		query["$and"] = and
	}
	return query
}

func (r *mongoTemplates) List(ctx context.Context, filter TemplateFilter) ([]model.Template, int64, error) {
	query := templateQuery(filter)
	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, translateMongo("count templates", err)
	}

	p := pagination.New(filter.Page, filter.Limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(p.Offset)).
		SetLimit(int64(p.Limit))
	cursor, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, translateMongo("list templates", err)
	}
	defer cursor.Close(ctx)

	templates := []model.Template{}
	if err := cursor.All(ctx, &templates); err != nil {
		return nil, 0, translateMongo("decode templates", err)
	}
	return templates, total, nil
}

func (r *mongoTemplates) Save(ctx context.Context, tpl *model.Template) error {
	prev := tpl.Version
	next := tpl.Clone()
	next.Version = prev + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": tpl.ID, "version": prev}, next)
	if err != nil {
		return translateMongo("replace template", err)
	}
	if res.MatchedCount == 0 {
		if _, err := r.FindByID(ctx, tpl.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	tpl.Version = next.Version
	tpl.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *mongoTemplates) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return translateMongo("delete template", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// sessionAtomic runs fn inside a multi-document transaction. A ctx that already
// carries a session joins it. Transactions need a replica set or sharded cluster.
func sessionAtomic(client *mongo.Client) func(ctx context.Context, fn func(ctx context.Context) error) error {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		if mongo.SessionFromContext(ctx) != nil {
			return fn(ctx)
		}
		sess, err := client.StartSession()
		if err != nil {
			return unavailable("start session", err)
		}
		defer sess.EndSession(ctx)

		_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, fn(sc)
		})
		return err
	}
}

// NewMongoStore wires the collections of db. Close disconnects the client.
func NewMongoStore(client *mongo.Client, db *mongo.Database) Store {
	return Store{
		Requests:    NewMongoRequestRepository(db),
		Submissions: NewMongoSubmissionRepository(db),
		Templates:   NewMongoTemplateRepository(db),
		Atomic:      sessionAtomic(client),
		Close:       client.Disconnect,
	}
}
