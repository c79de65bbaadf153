package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const principalsCollection = "principals"

// caseInsensitive compares strings ignoring case and diacritics.
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// MongoDirectory keeps one document per principal with its grants embedded,
// matched with $elemMatch.
type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection(principalsCollection)}
}

func grantMatch(role model.Role, state, division string) bson.M {
	match := bson.M{"role": role}
	if state != "" {
		match["state"] = state
	}
	if division != "" {
		match["division"] = division
	}
	return bson.M{"active": true, "roles": bson.M{"$elemMatch": match}}
}

func (d *MongoDirectory) Assignments(ctx context.Context, principalID string) ([]model.RoleAssignment, error) {
	p, err := d.Principal(ctx, principalID)
	if errors.Is(err, ErrPrincipalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, nil
	}
	return p.Roles, nil
}

func (d *MongoDirectory) FindPrincipal(ctx context.Context, role model.Role, state, division string) (string, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var p model.Principal
	err := d.coll.FindOne(ctx, grantMatch(role, state, division), opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find principal: %w", err)
	}
	return p.ID, true, nil
}

func (d *MongoDirectory) Divisions(ctx context.Context, state string) ([]string, error) {
	cursor, err := d.coll.Find(ctx, grantMatch(model.RoleDivisionHead, state, ""))
	if err != nil {
		return nil, fmt.Errorf("list division heads: %w", err)
	}
	defer cursor.Close(ctx)

	var heads []model.Principal
	if err := cursor.All(ctx, &heads); err != nil {
		return nil, fmt.Errorf("decode division heads: %w", err)
	}
	return headDivisions(heads, state), nil
}

func (d *MongoDirectory) findOne(ctx context.Context, op string, filter bson.M, opts ...*options.FindOneOptions) (*model.Principal, error) {
	var p model.Principal
	err := d.coll.FindOne(ctx, filter, opts...).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}

func (d *MongoDirectory) Principal(ctx context.Context, id string) (*model.Principal, error) {
	return d.findOne(ctx, "get principal", bson.M{"_id": id})
}

func (d *MongoDirectory) PrincipalByEmail(ctx context.Context, email string) (*model.Principal, error) {
	return d.findOne(ctx, "get principal by email", bson.M{"email": email},
		options.FindOne().SetCollation(caseInsensitive))
}

func (d *MongoDirectory) ListPrincipals(ctx context.Context, page, limit int) ([]model.Principal, int64, error) {
	total, err := d.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, fmt.Errorf("count principals: %w", err)
	}

	p := pagination.New(page, limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(p.Offset)).
		SetLimit(int64(p.Limit))
	cursor, err := d.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list principals: %w", err)
	}
	defer cursor.Close(ctx)

	principals := []model.Principal{}
	if err := cursor.All(ctx, &principals); err != nil {
		return nil, 0, fmt.Errorf("decode principals: %w", err)
	}
	return principals, total, nil
}

// Upsert inserts principals or refreshes their profile, grants and active flag.
// The creation time of an existing principal is kept.
func (d *MongoDirectory) Upsert(ctx context.Context, principals ...model.Principal) error {
	if len(principals) == 0 {
		return nil
	}
	now := time.Now().UTC()
	writes := make([]mongo.WriteModel, 0, len(principals))
	for _, p := range principals {
		roles := p.Roles
		if roles == nil {
			roles = []model.RoleAssignment{}
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": p.ID}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"name":          p.Name,
					"email":         p.Email,
					"roles":         roles,
					"active":        p.Active,
					"password_hash": p.PasswordHash,
					"updated_at":    now,
				},
				"$setOnInsert": bson.M{"created_at": now},
			}).
			SetUpsert(true))
	}
	if _, err := d.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("upsert principals: %w", err)
	}
	return nil
}
