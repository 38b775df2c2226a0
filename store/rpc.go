package store

import (
	"context"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// ReportPost invokes the report_post remote procedure and returns whether the
// report pushed the post over the hide threshold.
func (s *Store) ReportPost(ctx context.Context, postID, reason, description string) (bool, error) {
	log.WithFields(log.Fields{
		"post":   postID,
		"reason": reason,
	}).Info("Reporting post")

	query, args := sqlbuilder.Buildf("SELECT report_post(%v, %v, %v)", postID, reason, description).
		BuildWithFlavor(s.flavor)

	var hidden bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&hidden); err != nil {
		return false, unavailable("report post", err)
	}
	return hidden, nil
}

// DeleteUserAccount invokes the delete_user_account remote procedure.
func (s *Store) DeleteUserAccount(ctx context.Context, userID string) error {
	log.WithFields(log.Fields{
		"user": userID,
	}).Info("Deleting user account")

	query, args := sqlbuilder.Buildf("SELECT delete_user_account(%v)", userID).
		BuildWithFlavor(s.flavor)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable("delete user account", err)
	}
	return nil
}
