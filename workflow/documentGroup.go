package workflow

import (
	"fmt"
	"sort"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentGroup is a principal and its dependents, locked together.
type DocumentGroup struct {
	Principal  models.Document   `json:"principal"`
	Dependents []models.Document `json:"dependents"`
}

// Members returns the principal followed by its dependents in id order.
func (g *DocumentGroup) Members() []*models.Document {
	members := make([]*models.Document, 0, len(g.Dependents)+1)
	members = append(members, &g.Principal)
	for i := range g.Dependents {
		members = append(members, &g.Dependents[i])
	}
	return members
}

func (g *DocumentGroup) Ids() []int {
	ids := make([]int, 0, len(g.Dependents)+1)
	for _, m := range g.Members() {
		ids = append(ids, m.ID)
	}
	return ids
}

// LockDocumentGroup row-locks a principal and all its dependents in id order.
// A dependent id fails with ErrNotPrincipal.
func LockDocumentGroup(tx *gorm.DB, id int) (*DocumentGroup, error) {
	groups, err := LockDocumentGroups(tx, []int{id})
	if err != nil {
		return nil, err
	}
	return groups[0], nil
}

// LockDocumentGroups locks several groups with a single id-ascending statement.
// Groups come back ordered by principal id.
func LockDocumentGroups(tx *gorm.DB, principalIds []int) ([]*DocumentGroup, error) {
	ids := utils.SortedUniqueInts(principalIds)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no document ids", models.ErrInvalidInput)
	}

	var rows []models.Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ? OR principal_id IN ?", ids, ids).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byId := make(map[int]*DocumentGroup, len(ids))
	for _, id := range ids {
		byId[id] = nil
	}
	for i := range rows {
		row := rows[i]
		if _, requested := byId[row.ID]; requested {
			if row.IsDependent() {
				return nil, fmt.Errorf("%w: document %d depends on %d", models.ErrNotPrincipal, row.ID, *row.PrincipalId)
			}
			byId[row.ID] = &DocumentGroup{Principal: row}
		}
	}
	for _, id := range ids {
		if byId[id] == nil {
			return nil, fmt.Errorf("%w: id %d", models.ErrDocumentNotFound, id)
		}
	}
	for i := range rows {
		row := rows[i]
		if row.PrincipalId == nil {
			continue
		}
		if g := byId[*row.PrincipalId]; g != nil {
			g.Dependents = append(g.Dependents, row)
		}
	}

	groups := make([]*DocumentGroup, 0, len(ids))
	for _, id := range ids {
		g := byId[id]
		sort.Slice(g.Dependents, func(a, b int) bool { return g.Dependents[a].ID < g.Dependents[b].ID })
		groups = append(groups, g)
	}
	return groups, nil
}

// Propagate applies t to the principal and then every dependent, and saves them.
// Every member is checked before anything is written; a failure names the member and the
// caller's transaction must roll back.
func Propagate(tx *gorm.DB, group *DocumentGroup, t models.Transition) error {
	members := group.Members()
	next := make([]models.Document, len(members))
	for i, m := range members {
		updated, err := t.Apply(*m)
		if err != nil {
			return &models.MemberError{DocumentId: m.ID, Err: err}
		}
		next[i] = updated
	}

	for i := range next {
		if next[i].State != next[0].State || next[i].State != t.TargetState {
			return fmt.Errorf("%w: document %d ended in %s, principal in %s", models.ErrInvalidHierarchy, next[i].ID, next[i].State, next[0].State)
		}
	}

	for i, m := range members {
		*m = next[i]
		if err := tx.Save(m).Error; err != nil {
			return &models.MemberError{DocumentId: m.ID, Err: err}
		}
	}
	return nil
}

// linkDependent attaches dependentId to principalId. Both must be in_progress, the principal must not
// itself be a dependent, and the dependent must be standalone.
func linkDependent(tx *gorm.DB, principalId, dependentId int) (*models.Document, *models.Document, error) {
	if principalId == dependentId {
		return nil, nil, fmt.Errorf("%w: a document cannot depend on itself", models.ErrInvalidHierarchy)
	}

	var rows []models.Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", utils.SortedUniqueInts([]int{principalId, dependentId})).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}

	var principal, dependent *models.Document
	for i := range rows {
		switch rows[i].ID {
		case principalId:
			principal = &rows[i]
		case dependentId:
			dependent = &rows[i]
		}
	}
	if principal == nil {
		return nil, nil, fmt.Errorf("%w: id %d", models.ErrDocumentNotFound, principalId)
	}
	if dependent == nil {
		return nil, nil, fmt.Errorf("%w: id %d", models.ErrDocumentNotFound, dependentId)
	}
	if principal.IsDependent() {
		return nil, nil, fmt.Errorf("%w: document %d is itself a dependent", models.ErrInvalidHierarchy, principalId)
	}
	if dependent.IsDependent() {
		return nil, nil, fmt.Errorf("%w: document %d already depends on %d", models.ErrInvalidHierarchy, dependentId, *dependent.PrincipalId)
	}

	var children int64
	if err := tx.Model(&models.Document{}).Where("principal_id = ?", dependentId).Count(&children).Error; err != nil {
		return nil, nil, err
	}
	if children > 0 {
		return nil, nil, fmt.Errorf("%w: document %d has its own dependents", models.ErrInvalidHierarchy, dependentId)
	}
	if principal.State != models.DocumentStateInProgress || dependent.State != models.DocumentStateInProgress {
		return nil, nil, fmt.Errorf("%w: both documents must be in_progress to link", models.ErrInvalidState)
	}

	pid := principal.ID
	dependent.PrincipalId = &pid
	dependent.IsPrincipal = false
	if err := tx.Save(dependent).Error; err != nil {
		return nil, nil, err
	}
	return principal, dependent, nil
}
