// Package ingest walks provider mailboxes and folds messages into the
// relationship graph: the per-message processor and the per-account
// sync coordinator.
package ingest

import (
	"context"
	"net/mail"
	"sort"
	"strings"
	"time"

	"mailgraph/core/domain"
	"mailgraph/core/port/out"
	"mailgraph/core/service/blacklist"
	"mailgraph/core/service/parse"

	"github.com/google/uuid"
)

// =============================================================================
// Message Processor
// =============================================================================

// ProcessResult is one message's outcome. Addresses is the count that
// survived filtering; zero means the message touched nothing.
type ProcessResult struct {
	Created   domain.CreatedCounts
	Addresses int
}

// Processor turns one message into graph mutations. It owns no dedup
// state; the coordinator decides which messages reach it.
type Processor struct {
	store  out.EntityStore
	engine *blacklist.Engine
}

func NewProcessor(store out.EntityStore, engine *blacklist.Engine) *Processor {
	return &Processor{store: store, engine: engine}
}

// Process commits one message: parse headers, filter, create missing
// entities, then apply counter deltas. Two store round-trips commit the
// work: the insert batch and the delta batch, each atomic on its own.
func (p *Processor) Process(ctx context.Context, account, selfAddress string, msg *domain.MailMessage) (*ProcessResult, error) {
	result := &ProcessResult{}
	seen := msg.ResolveDate(mail.ParseDate)

	fromAddrs := parse.AddressList(msg.FromHeader)
	sentBySelf := domain.SentBySelf(fromAddrs, selfAddress)

	participants, err := p.filterParticipants(ctx, selfAddress, msg)
	if err != nil {
		return nil, err
	}
	result.Addresses = len(participants)
	if len(participants) == 0 {
		return result, nil
	}

	domains, addresses := collectKeys(participants)

	domainMap, err := p.store.FetchDomains(ctx, domains)
	if err != nil {
		return nil, err
	}
	emailMap, err := p.store.FetchEmails(ctx, addresses)
	if err != nil {
		return nil, err
	}

	inserts, staged := planInserts(participants, domains, addresses, domainMap, emailMap)
	keys, err := p.store.InsertGraph(ctx, inserts)
	if err != nil {
		return nil, err
	}
	result.Created = keys.Created

	batch := buildDeltaBatch(account, seen, msg.ThreadID, sentBySelf, participants, domainMap, emailMap, keys, staged)
	if err := p.store.ApplyDeltas(ctx, batch); err != nil {
		return nil, err
	}
	return result, nil
}

// filterParticipants parses the three address headers, tags roles and
// drops the self address and every blacklisted one.
func (p *Processor) filterParticipants(ctx context.Context, selfAddress string, msg *domain.MailMessage) ([]domain.Participant, error) {
	self := strings.ToLower(strings.TrimSpace(selfAddress))

	var raw []domain.Participant
	for _, h := range []struct {
		header string
		role   domain.Role
	}{
		{msg.FromHeader, domain.RoleFrom},
		{msg.ToHeader, domain.RoleTo},
		{msg.CcHeader, domain.RoleCc},
	} {
		for _, a := range parse.AddressList(h.header) {
			raw = append(raw, domain.Participant{Address: a, Role: h.role})
		}
	}

	var kept []domain.Participant
	for _, part := range raw {
		if part.Address.Address == self {
			continue
		}
		excluded, err := p.engine.IsBlacklisted(ctx, part.Address.Address)
		if err != nil {
			return nil, err
		}
		if excluded {
			continue
		}
		kept = append(kept, part)
	}
	return kept, nil
}

// collectKeys returns the sorted unique domains and addresses of the
// surviving participants. Sorted order keeps insert staging deterministic.
func collectKeys(participants []domain.Participant) ([]string, []string) {
	domainSet := make(map[string]struct{})
	addrSet := make(map[string]struct{})
	for _, part := range participants {
		domainSet[part.Domain] = struct{}{}
		addrSet[part.Address.Address] = struct{}{}
	}

	domains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	addresses := make([]string, 0, len(addrSet))
	for a := range addrSet {
		addresses = append(addresses, a)
	}
	sort.Strings(addresses)
	return domains, addresses
}

// stagedInserts remembers which pairs were staged this message so name
// upgrades are only planned for pre-existing rows.
type stagedInserts struct {
	companyByDomain  map[string]string // staged company id by domain
	contactByAddress map[string]string // staged contact id by address
}

// planInserts stages a Company+Domain for every unknown domain and a
// Contact+EmailAddress for every unknown address. A lazily-created
// company takes its first domain as its name.
func planInserts(
	participants []domain.Participant,
	domains, addresses []string,
	domainMap map[string]out.DomainRecord,
	emailMap map[string]out.EmailRecord,
) (*out.GraphInserts, *stagedInserts) {
	ins := &out.GraphInserts{}
	staged := &stagedInserts{
		companyByDomain:  make(map[string]string),
		contactByAddress: make(map[string]string),
	}

	for _, d := range domains {
		if _, ok := domainMap[d]; ok {
			continue
		}
		companyID := uuid.NewString()
		staged.companyByDomain[d] = companyID
		ins.CompanyDomains = append(ins.CompanyDomains, out.NewCompanyDomain{
			CompanyID:   companyID,
			CompanyName: d,
			Domain:      d,
			IsPrimary:   true,
		})
	}

	// First non-empty display name per address wins.
	nameByAddress := make(map[string]string)
	for _, part := range participants {
		if part.Name != "" {
			if _, ok := nameByAddress[part.Address.Address]; !ok {
				nameByAddress[part.Address.Address] = part.Name
			}
		}
	}
	domainByAddress := make(map[string]string)
	for _, part := range participants {
		domainByAddress[part.Address.Address] = part.Domain
	}

	for _, addr := range addresses {
		if _, ok := emailMap[addr]; ok {
			continue
		}
		dom := domainByAddress[addr]
		companyID := staged.companyByDomain[dom]
		if companyID == "" {
			companyID = domainMap[dom].CompanyID
		}

		contactID := uuid.NewString()
		staged.contactByAddress[addr] = contactID

		var name *string
		if n, ok := nameByAddress[addr]; ok {
			name = &n
		}
		ins.ContactEmails = append(ins.ContactEmails, out.NewContactEmail{
			ContactID:    contactID,
			CompanyID:    companyID,
			Name:         name,
			Address:      addr,
			Domain:       dom,
			ObservedName: name,
		})
	}
	return ins, staged
}

// buildDeltaBatch aggregates the per-role counter contributions of every
// surviving participant onto its four entity keys. Two recipients at one
// company contribute twice to the company, once each to their contacts.
// Entities with an all-zero delta still land in the batch so first/last
// seen and the thread list are folded.
func buildDeltaBatch(
	account string,
	seen time.Time,
	threadID string,
	sentBySelf bool,
	participants []domain.Participant,
	domainMap map[string]out.DomainRecord,
	emailMap map[string]out.EmailRecord,
	keys *out.GraphKeys,
	staged *stagedInserts,
) *out.DeltaBatch {
	batch := &out.DeltaBatch{
		Seen:         seen,
		Thread:       domain.ThreadRef{ThreadID: threadID, Account: account, Timestamp: seen},
		Companies:    make(map[string]out.EntityDelta),
		Domains:      make(map[string]out.EntityDelta),
		Contacts:     make(map[string]out.EntityDelta),
		Emails:       make(map[string]out.EntityDelta),
		ContactNames: make(map[string]string),
		EmailNames:   make(map[string]string),
	}

	resolveCompany := func(dom string) string {
		if id, ok := keys.CompanyByDomain[dom]; ok && id != "" {
			return id
		}
		return domainMap[dom].CompanyID
	}
	resolveContact := func(addr string) string {
		if id, ok := keys.ContactByAddress[addr]; ok && id != "" {
			return id
		}
		return emailMap[addr].ContactID
	}

	for _, part := range participants {
		var d out.EntityDelta
		switch {
		case sentBySelf && part.Role == domain.RoleTo:
			d.EmailsTo = 1
		case !sentBySelf && part.Role == domain.RoleFrom:
			d.EmailsFrom = 1
		}
		if part.Role == domain.RoleCc {
			d.EmailsIncluded = 1
		}

		addr := part.Address.Address
		companyID := resolveCompany(part.Domain)
		contactID := resolveContact(addr)
		if companyID == "" || contactID == "" {
			// Lost both races and the winner row vanished between the
			// claim and now; nothing to attribute to.
			continue
		}

		batch.Companies[companyID] = addDelta(batch.Companies[companyID], d)
		batch.Domains[part.Domain] = addDelta(batch.Domains[part.Domain], d)
		batch.Contacts[contactID] = addDelta(batch.Contacts[contactID], d)
		batch.Emails[addr] = addDelta(batch.Emails[addr], d)
	}

	// Write-once name upgrades for rows that pre-existed this message with
	// no name. Freshly staged rows carried their name at insert.
	for _, part := range participants {
		if part.Name == "" {
			continue
		}
		addr := part.Address.Address
		if _, isNew := staged.contactByAddress[addr]; isNew {
			continue
		}
		rec, ok := emailMap[addr]
		if !ok {
			continue
		}
		if rec.ContactName == nil {
			if _, dup := batch.ContactNames[rec.ContactID]; !dup {
				batch.ContactNames[rec.ContactID] = part.Name
			}
		}
		if rec.ObservedName == nil {
			if _, dup := batch.EmailNames[addr]; !dup {
				batch.EmailNames[addr] = part.Name
			}
		}
	}

	return batch
}

func addDelta(cur, d out.EntityDelta) out.EntityDelta {
	cur.EmailsTo += d.EmailsTo
	cur.EmailsFrom += d.EmailsFrom
	cur.EmailsIncluded += d.EmailsIncluded
	return cur
}
