package orchestrator

import (
	"context"

	"relaycast/internal/models"
	"relaycast/internal/networks"
)

func (o *Orchestrator) loadAccount(ctx context.Context, userID, accountID string) (models.Account, networks.Adapter, error) {
	account, err := o.repo.AccountByID(ctx, accountID)
	if err != nil {
		return models.Account{}, nil, err
	}
	levels, err := o.permissions.ForAccount(ctx, userID, account)
	if err != nil {
		return models.Account{}, nil, err
	}
	if !levels.CanManage() {
		return models.Account{}, nil, ErrForbidden
	}
	adapter, err := o.networks.Lookup(account.Network)
	if err != nil {
		return models.Account{}, nil, err
	}
	return account, adapter, nil
}

// CheckAccount runs the network's credential validation for an account.
func (o *Orchestrator) CheckAccount(ctx context.Context, userID, accountID string) ([]networks.ValidationError, error) {
	account, adapter, err := o.loadAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	problems := adapter.CheckErrors(ctx, account)
	if problems == nil {
		problems = []networks.ValidationError{}
	}
	return problems, nil
}

// ProvisionAccount registers an account with its network and merges the
// returned credentials into the account keystore.
func (o *Orchestrator) ProvisionAccount(ctx context.Context, userID, accountID string) (models.Account, error) {
	account, adapter, err := o.loadAccount(ctx, userID, accountID)
	if err != nil {
		return models.Account{}, err
	}
	provisioner, ok := adapter.(networks.Provisioner)
	if !ok {
		return models.Account{}, ErrUnsupported
	}
	ctx, cancel := o.detach(ctx)
	defer cancel()
	issued, err := provisioner.Provision(ctx, account)
	if err != nil {
		return models.Account{}, &AdapterError{
			Op:        OpProvision,
			Network:   account.Network,
			Account:   account.Name,
			AccountID: account.ID,
			Err:       err,
		}
	}
	merged := account.Keystore.Clone()
	if merged == nil {
		merged = models.Keystore{}
	}
	for key, value := range issued {
		merged[key] = value
	}
	return o.repo.UpdateAccountKeystore(ctx, account.ID, merged)
}
