// Package mongodb provides the default scheduler.Storage implementation,
// backed by two MongoDB collections: one holding the job catalog, one
// holding each scheduler's watermark.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/relaygrid/scheduler"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for the MongoDB-backed scheduler.Storage.
type Config struct {
	// JobsCollection stores one document per job. Required.
	JobsCollection *mongo.Collection

	// WatermarkCollection stores one document per scheduler name, holding
	// its last execution date. Required.
	WatermarkCollection *mongo.Collection

	// Field names for job document properties (optional, have defaults).
	SchedulerField string // default: "scheduler"
	NameField      string // default: "name"
	ScheduleField  string // default: "schedule"
	RebootField    string // default: "reboot"
	TimezoneField  string // default: "timezone"
	StateField     string // default: "state"
	DataField      string // default: "data"

	// WatermarkField is the field holding the persisted watermark inside
	// a watermark document. Default: "watermark".
	WatermarkField string

	// Condition is an optional additional filter applied when querying
	// jobs, for collections shared with unrelated documents.
	Condition bson.M
}

// Store implements scheduler.Storage for MongoDB.
type Store struct {
	jobs       *mongo.Collection
	watermarks *mongo.Collection

	schedulerField string
	nameField      string
	scheduleField  string
	rebootField    string
	timezoneField  string
	stateField     string
	dataField      string
	watermarkField string

	condition bson.M
}

// NewStore creates a new MongoDB-backed Storage with the given
// configuration.
func NewStore(config Config) (*Store, error) {
	if config.JobsCollection == nil {
		return nil, fmt.Errorf("mongodb: JobsCollection is required")
	}
	if config.WatermarkCollection == nil {
		return nil, fmt.Errorf("mongodb: WatermarkCollection is required")
	}

	if config.SchedulerField == "" {
		config.SchedulerField = "scheduler"
	}
	if config.NameField == "" {
		config.NameField = "name"
	}
	if config.ScheduleField == "" {
		config.ScheduleField = "schedule"
	}
	if config.RebootField == "" {
		config.RebootField = "reboot"
	}
	if config.TimezoneField == "" {
		config.TimezoneField = "timezone"
	}
	if config.StateField == "" {
		config.StateField = "state"
	}
	if config.DataField == "" {
		config.DataField = "data"
	}
	if config.WatermarkField == "" {
		config.WatermarkField = "watermark"
	}

	return &Store{
		jobs:           config.JobsCollection,
		watermarks:     config.WatermarkCollection,
		schedulerField: config.SchedulerField,
		nameField:      config.NameField,
		scheduleField:  config.ScheduleField,
		rebootField:    config.RebootField,
		timezoneField:  config.TimezoneField,
		stateField:     config.StateField,
		dataField:      config.DataField,
		watermarkField: config.WatermarkField,
		condition:      config.Condition,
	}, nil
}

// Jobs loads every job document for scheduler.
func (s *Store) Jobs(ctx context.Context, sched string) ([]scheduler.Job, error) {
	filter := s.scopedFilter(sched, nil)

	cursor, err := s.jobs.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb: querying jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []scheduler.Job
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb: decoding job: %w", err)
		}
		job, err := s.bsonToJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongodb: iterating jobs: %w", err)
	}
	return out, nil
}

// AddJob upserts job by (scheduler, name).
func (s *Store) AddJob(ctx context.Context, sched string, job scheduler.Job) error {
	filter := s.scopedFilter(sched, bson.M{s.nameField: job.Name})
	update := bson.M{"$set": s.jobToBSON(sched, job)}

	_, err := s.jobs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: upserting job %q: %w", job.Name, err)
	}
	return nil
}

// DeleteJob removes the job named name for scheduler. A missing name is a
// no-op, not an error.
func (s *Store) DeleteJob(ctx context.Context, sched, name string) error {
	filter := s.scopedFilter(sched, bson.M{s.nameField: name})

	if _, err := s.jobs.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("mongodb: deleting job %q: %w", name, err)
	}
	return nil
}

// UpdateJobState persists a state transition for an existing job.
func (s *Store) UpdateJobState(ctx context.Context, sched, name string, state scheduler.JobState) error {
	filter := s.scopedFilter(sched, bson.M{s.nameField: name})
	update := bson.M{"$set": bson.M{s.stateField: string(state)}}

	result, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb: updating state for job %q: %w", name, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("mongodb: %w: %q", scheduler.ErrJobNotFound, name)
	}
	return nil
}

// Purge clears every job document for scheduler.
func (s *Store) Purge(ctx context.Context, sched string) error {
	filter := s.scopedFilter(sched, nil)

	if _, err := s.jobs.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongodb: purging jobs: %w", err)
	}
	return nil
}

// LastExecutionDate returns the persisted watermark for scheduler.
func (s *Store) LastExecutionDate(ctx context.Context, sched string) (time.Time, bool, error) {
	var doc bson.M
	err := s.watermarks.FindOne(ctx, bson.M{"_id": sched}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("mongodb: loading watermark: %w", err)
	}

	raw, ok := doc[s.watermarkField]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	t, ok := bsonToTime(raw)
	if !ok {
		return time.Time{}, false, fmt.Errorf("mongodb: watermark field %q has unexpected type %T", s.watermarkField, raw)
	}
	return t.UTC(), true, nil
}

// UpdateLastExecutionDate persists the new watermark for scheduler.
func (s *Store) UpdateLastExecutionDate(ctx context.Context, sched string, t time.Time) error {
	filter := bson.M{"_id": sched}
	update := bson.M{"$set": bson.M{s.watermarkField: t.UTC()}}

	_, err := s.watermarks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: persisting watermark: %w", err)
	}
	return nil
}

func (s *Store) scopedFilter(sched string, extra bson.M) bson.M {
	and := []bson.M{{s.schedulerField: sched}}
	if extra != nil {
		and = append(and, extra)
	}
	if s.condition != nil {
		and = append(and, s.condition)
	}
	if len(and) == 1 {
		return and[0]
	}
	return bson.M{"$and": and}
}

func (s *Store) jobToBSON(sched string, job scheduler.Job) bson.M {
	doc := bson.M{
		s.schedulerField: sched,
		s.nameField:      job.Name,
		s.scheduleField:  job.Schedule,
		s.rebootField:    job.Reboot,
		s.timezoneField:  job.Timezone,
		s.stateField:     string(job.State),
	}
	if job.Data != nil {
		doc[s.dataField] = job.Data
	}
	return doc
}

// bsonToJob converts a BSON document into a scheduler.Job.
func (s *Store) bsonToJob(doc bson.M) (scheduler.Job, error) {
	job := scheduler.Job{}

	name, _ := doc[s.nameField].(string)
	job.Name = name

	if v, ok := doc[s.scheduleField].(string); ok {
		job.Schedule = v
	}
	if v, ok := doc[s.rebootField].(bool); ok {
		job.Reboot = v
	}
	if v, ok := doc[s.timezoneField].(string); ok {
		job.Timezone = v
	}
	if v, ok := doc[s.stateField].(string); ok {
		job.State = scheduler.JobState(v)
	} else {
		job.State = scheduler.StateActive
	}
	if v, ok := doc[s.dataField].(bson.M); ok {
		data := make(map[string]any, len(v))
		for k, val := range v {
			data[k] = val
		}
		job.Data = data
	}

	return job, nil
}

// bsonToTime extracts a time.Time from the handful of BSON representations
// the driver may hand back depending on how the value was inserted.
func bsonToTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case primitive.DateTime:
		return v.Time(), true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}
