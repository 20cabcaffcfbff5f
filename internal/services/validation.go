package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// ValidationRouter picks reviewers for a target and folds their verdicts into
// the response quality flag.
type ValidationRouter struct {
	now         func() time.Time
	idGenerator func() string
}

func NewValidationRouter() *ValidationRouter {
	return &ValidationRouter{
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// author returns who produced the target and the project it belongs to.
func (v *ValidationRouter) author(ctx context.Context, tx store.Tx, target models.Target) (authorID, projectID string, err error) {
	switch target.Kind() {
	case models.TargetResponse:
		r, err := tx.GetResponse(ctx, target.ID())
		if err != nil {
			return "", "", storeError(err, "response")
		}
		return r.UserID, r.ProjectID, nil
	case models.TargetLinguistSentence:
		s, err := tx.GetSentence(ctx, target.ID())
		if err != nil {
			return "", "", storeError(err, "sentence")
		}
		return s.AuthorID, s.ProjectID, nil
	}
	return "", "", ErrTargetConflict
}

func eligible(target models.Target, authorID string, u *models.User) bool {
	if u.ID == authorID {
		return false
	}
	if target.Kind() == models.TargetLinguistSentence {
		return u.Role.Reviews()
	}
	return true
}

// Route returns the project members allowed to review target who have not
// reviewed it yet, ordered by user id.
func (v *ValidationRouter) Route(ctx context.Context, tx store.Tx, target models.Target) ([]*models.User, error) {
	authorID, projectID, err := v.author(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	members, err := tx.ListMembers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	prior, err := tx.ListValidations(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	done := make(map[string]bool, len(prior))
	for _, p := range prior {
		done[p.ValidatorID] = true
	}
	var out []*models.User
	for _, m := range members {
		if eligible(target, authorID, m) && !done[m.ID] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Record appends a verdict and, for response targets, recomputes the quality flag.
func (v *ValidationRouter) Record(ctx context.Context, tx store.Tx, validatorID string, target models.Target, verdict models.Verdict) (*models.Validation, error) {
	if target.IsZero() {
		return nil, ErrTargetConflict
	}
	authorID, _, err := v.author(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	if validatorID == authorID {
		return nil, ErrSelfValidation
	}
	validator, err := tx.GetUser(ctx, validatorID)
	if err != nil {
		return nil, storeError(err, "validator")
	}
	if !eligible(target, authorID, validator) {
		return nil, NewForbiddenError("validator may not review this target")
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, NewInvalidError("confidence must be within [0,1]")
	}
	rec := &models.Validation{
		ID:          v.idGenerator(),
		Target:      target,
		ValidatorID: validatorID,
		Verdict:     verdict,
		CreatedAt:   v.now(),
	}
	if err := tx.InsertValidation(ctx, rec); err != nil {
		if errors.Is(err, models.ErrTargetConflict) {
			return nil, ErrTargetConflict
		}
		return nil, fmt.Errorf("insert validation: %w", err)
	}
	if target.Kind() != models.TargetResponse {
		return rec, nil
	}
	all, err := tx.ListValidations(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	flag, err := v.aggregate(ctx, tx, all)
	if err != nil {
		return nil, err
	}
	if err := tx.SetResponseQuality(ctx, target.ID(), flag); err != nil {
		return nil, fmt.Errorf("set quality: %w", err)
	}
	return rec, nil
}

// aggregate folds verdicts into a quality flag. Any linguist or admin saying
// invalid forces needs_review. Otherwise peers decide by majority; a tie is
// needs_review.
func (v *ValidationRouter) aggregate(ctx context.Context, tx store.Tx, all []*models.Validation) (models.QualityFlag, error) {
	if len(all) == 0 {
		return models.QualityUnreviewed, nil
	}
	var valid, invalid int
	for _, rec := range all {
		u, err := tx.GetUser(ctx, rec.ValidatorID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("get validator: %w", err)
		}
		if u != nil && u.Role.Reviews() && !rec.Verdict.Valid {
			return models.QualityNeedsReview, nil
		}
		if rec.Verdict.Valid {
			valid++
		} else {
			invalid++
		}
	}
	return QualityFromCounts(valid, invalid), nil
}

// QualityFromCounts applies the majority rule to peer verdict counts.
func QualityFromCounts(valid, invalid int) models.QualityFlag {
	switch {
	case valid == 0 && invalid == 0:
		return models.QualityUnreviewed
	case valid > invalid:
		return models.QualityGood
	case invalid > valid:
		return models.QualityInvalid
	}
	return models.QualityNeedsReview
}
