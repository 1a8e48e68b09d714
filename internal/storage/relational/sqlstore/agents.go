package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/wattex/wattexd/internal/domain"
)

type agentRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *agentRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

func (r *agentRepo) Create(ctx context.Context, a *domain.Agent) error {
	const op = "sqlstore.Agents.Create"
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return domain.NewInternalError(op, "encode agent config", err)
	}
	query := r.store.q(`INSERT INTO agents
		(id, owner_id, agent_type, status, execution_mode, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	_, err = r.exec().ExecContext(ctx, query,
		a.ID, a.OwnerID, string(a.Type), string(a.Status), string(a.ExecutionMode),
		string(cfg), ts(a.CreatedAt), ts(a.UpdatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *agentRepo) Get(ctx context.Context, id string) (*domain.Agent, error) {
	const op = "sqlstore.Agents.Get"
	query := r.store.q(`SELECT id, owner_id, agent_type, status, execution_mode, config,
		created_at, updated_at
		FROM agents WHERE id = $1`)
	a, err := scanAgent(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "agent", id, domain.ErrAgentNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return a, nil
}

func (r *agentRepo) Update(ctx context.Context, a *domain.Agent) error {
	const op = "sqlstore.Agents.Update"
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return domain.NewInternalError(op, "encode agent config", err)
	}
	query := r.store.q(`UPDATE agents
		SET status = $1, execution_mode = $2, config = $3, updated_at = $4
		WHERE id = $5`)
	res, err := r.exec().ExecContext(ctx, query,
		string(a.Status), string(a.ExecutionMode), string(cfg), ts(a.UpdatedAt), a.ID)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "agent", a.ID, domain.ErrAgentNotFound)
	}
	return nil
}

func (r *agentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	const op = "sqlstore.Agents.ListByStatus"
	query := r.store.q(`SELECT id, owner_id, agent_type, status, execution_mode, config,
		created_at, updated_at
		FROM agents WHERE status = $1 ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

const proposalColumns = `id, agent_id, action, offer_id, qty, price_per_unit, total_price,
	reasoning, status, order_id, decided_at, executed_at, expires_at, created_at`

func (r *agentRepo) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	const op = "sqlstore.Agents.CreateProposal"
	query := r.store.q(`INSERT INTO proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	_, err := r.exec().ExecContext(ctx, query,
		p.ID, p.AgentID, string(p.Action), nullStr(p.OfferID), p.Qty, p.PricePerUnit, p.TotalPrice,
		p.Reasoning, string(p.Status), nullStr(p.OrderID),
		nullTS(p.DecidedAt), nullTS(p.ExecutedAt), ts(p.ExpiresAt), ts(p.CreatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *agentRepo) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	const op = "sqlstore.Agents.GetProposal"
	query := r.store.q(`SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`)
	p, err := scanProposal(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "proposal", id, domain.ErrProposalNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return p, nil
}

// DecideProposal moves a proposal from -> to, guarded by the current status
// so two operators cannot both decide it.
func (r *agentRepo) DecideProposal(ctx context.Context, id string, from, to domain.ProposalStatus, decidedAt time.Time) (bool, error) {
	const op = "sqlstore.Agents.DecideProposal"
	query := r.store.q(`UPDATE proposals
		SET status = $1, decided_at = $2
		WHERE id = $3 AND status = $4`)
	res, err := r.exec().ExecContext(ctx, query, string(to), ts(decidedAt), id, string(from))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *agentRepo) MarkExecuted(ctx context.Context, id, orderID string, at time.Time) error {
	const op = "sqlstore.Agents.MarkExecuted"
	query := r.store.q(`UPDATE proposals
		SET status = $1, order_id = $2, executed_at = $3
		WHERE id = $4`)
	res, err := r.exec().ExecContext(ctx, query,
		string(domain.ProposalExecuted), orderID, ts(at), id)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "proposal", id, domain.ErrProposalNotFound)
	}
	return nil
}

func (r *agentRepo) ListProposals(ctx context.Context, agentID string, status domain.ProposalStatus, limit int) ([]domain.Proposal, error) {
	const op = "sqlstore.Agents.ListProposals"
	query := r.store.q(`SELECT `+proposalColumns+` FROM proposals
		WHERE agent_id = $1 AND status = $2
		ORDER BY created_at DESC, id`+limitClause(limit))
	return r.listProposals(ctx, op, query, agentID, string(status))
}

func (r *agentRepo) ListProposalsByStatus(ctx context.Context, status domain.ProposalStatus, limit int) ([]domain.Proposal, error) {
	const op = "sqlstore.Agents.ListProposalsByStatus"
	query := r.store.q(`SELECT `+proposalColumns+` FROM proposals
		WHERE status = $1
		ORDER BY created_at DESC, id`+limitClause(limit))
	return r.listProposals(ctx, op, query, string(status))
}

// ExpireProposals flips pending proposals whose decision window closed.
func (r *agentRepo) ExpireProposals(ctx context.Context, asOf time.Time) (int64, error) {
	const op = "sqlstore.Agents.ExpireProposals"
	query := r.store.q(`UPDATE proposals
		SET status = $1, decided_at = $2
		WHERE status = $3 AND expires_at < $4`)
	res, err := r.exec().ExecContext(ctx, query,
		string(domain.ProposalExpired), ts(asOf), string(domain.ProposalPending), ts(asOf))
	if err != nil {
		return 0, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *agentRepo) listProposals(ctx context.Context, op, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := r.exec().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var (
		a         domain.Agent
		agentType string
		status    string
		mode      string
		cfg       string
		created   int64
		updated   int64
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &agentType, &status, &mode, &cfg, &created, &updated); err != nil {
		return nil, err
	}
	a.Type = domain.AgentType(agentType)
	a.Status = domain.AgentStatus(status)
	a.ExecutionMode = domain.ExecutionMode(mode)
	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return nil, err
	}
	a.CreatedAt = fromTS(created)
	a.UpdatedAt = fromTS(updated)
	return &a, nil
}

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var (
		p        domain.Proposal
		action   string
		offerID  sql.NullString
		status   string
		orderID  sql.NullString
		decided  sql.NullInt64
		executed sql.NullInt64
		expires  int64
		created  int64
	)
	err := row.Scan(&p.ID, &p.AgentID, &action, &offerID, &p.Qty, &p.PricePerUnit, &p.TotalPrice,
		&p.Reasoning, &status, &orderID, &decided, &executed, &expires, &created)
	if err != nil {
		return nil, err
	}
	p.Action = domain.ProposalAction(action)
	p.OfferID = fromNullStr(offerID)
	p.Status = domain.ProposalStatus(status)
	p.OrderID = fromNullStr(orderID)
	p.DecidedAt = fromNullTS(decided)
	p.ExecutedAt = fromNullTS(executed)
	p.ExpiresAt = fromTS(expires)
	p.CreatedAt = fromTS(created)
	return &p, nil
}
