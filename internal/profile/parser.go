package profile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Cache validity is expressed in hours by the source document. The document
// may ask for anything; we clamp to the range the MUD spec allows.
const (
	defaultCacheValidityHours = 48
	minCacheValidityHours     = 1
	maxCacheValidityHours     = 168
)

// JSON shapes of an RFC 8520 MUD file. Only the subset we project into the
// domain model is declared; unknown fields are ignored.
type mudDocument struct {
	MUD  *mudContainer  `json:"ietf-mud:mud"`
	ACLs *aclsContainer `json:"ietf-access-control-list:acls"`
}

type mudContainer struct {
	MUDVersion       int             `json:"mud-version"`
	MUDURL           string          `json:"mud-url"`
	LastUpdate       string          `json:"last-update"`
	CacheValidity    *int            `json:"cache-validity"`
	IsSupported      *bool           `json:"is-supported"`
	SystemInfo       string          `json:"systeminfo"`
	MfgName          string          `json:"mfg-name"`
	ModelName        string          `json:"model-name"`
	Documentation    string          `json:"documentation"`
	MasaServer       string          `json:"masa-server"`
	FromDevicePolicy *policyRef      `json:"from-device-policy"`
	ToDevicePolicy   *policyRef      `json:"to-device-policy"`
}

type policyRef struct {
	AccessLists struct {
		AccessList []struct {
			Name string `json:"name"`
		} `json:"access-list"`
	} `json:"access-lists"`
}

type aclsContainer struct {
	ACL []jsonACL `json:"acl"`
}

type jsonACL struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ACEs struct {
		ACE []jsonACE `json:"ace"`
	} `json:"aces"`
}

type jsonACE struct {
	Name    string      `json:"name"`
	Matches jsonMatches `json:"matches"`
	Actions struct {
		Forwarding string `json:"forwarding"`
	} `json:"actions"`
}

type jsonMatches struct {
	IPv4 *ipMatch        `json:"ipv4"`
	IPv6 *ipMatch        `json:"ipv6"`
	TCP  *transportMatch `json:"tcp"`
	UDP  *transportMatch `json:"udp"`
}

type ipMatch struct {
	Protocol   uint8  `json:"protocol"`
	DstDNSName string `json:"ietf-acldns:dst-dnsname"`
	SrcDNSName string `json:"ietf-acldns:src-dnsname"`
}

type transportMatch struct {
	SourcePort      *portMatch `json:"source-port"`
	DestinationPort *portMatch `json:"destination-port"`
}

type portMatch struct {
	Operator string `json:"operator"`
	Port     uint16 `json:"port"`
}

// Parse turns a raw MUD document into a Profile. The expiration is derived
// from now plus the document's cache-validity; time is passed in so parsing
// stays deterministic under test.
func Parse(url string, body []byte, now time.Time) (*Profile, error) {
	var doc mudDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	if doc.MUD == nil {
		return nil, &ParseError{URL: url, Err: fmt.Errorf("missing ietf-mud:mud container")}
	}
	if doc.MUD.MUDVersion != 1 {
		return nil, &ParseError{URL: url, Err: fmt.Errorf("unsupported mud-version %d", doc.MUD.MUDVersion)}
	}

	// Policy references decide which ACLs matter and in which direction
	// they apply. An ACL not referenced by either policy is dead weight in
	// the document and is dropped.
	directions := make(map[string]Direction)
	if doc.MUD.FromDevicePolicy != nil {
		for _, ref := range doc.MUD.FromDevicePolicy.AccessLists.AccessList {
			directions[ref.Name] = FromDevice
		}
	}
	if doc.MUD.ToDevicePolicy != nil {
		for _, ref := range doc.MUD.ToDevicePolicy.AccessLists.AccessList {
			directions[ref.Name] = ToDevice
		}
	}

	var acls []ACL
	if doc.ACLs != nil {
		for _, raw := range doc.ACLs.ACL {
			dir, referenced := directions[raw.Name]
			if !referenced {
				continue
			}
			acl := ACL{
				Name:      raw.Name,
				Type:      raw.Type,
				Direction: dir,
				ACEs:      make([]ACE, 0, len(raw.ACEs.ACE)),
			}
			for _, rawAce := range raw.ACEs.ACE {
				ace, err := parseACE(rawAce)
				if err != nil {
					return nil, &ParseError{URL: url, Err: fmt.Errorf("acl %q ace %q: %w", raw.Name, rawAce.Name, err)}
				}
				acl.ACEs = append(acl.ACEs, ace)
			}
			acls = append(acls, acl)
		}
	}

	return &Profile{
		URL:           url,
		MasaURL:       doc.MUD.MasaServer,
		LastUpdate:    doc.MUD.LastUpdate,
		SystemInfo:    doc.MUD.SystemInfo,
		MfgName:       doc.MUD.MfgName,
		ModelName:     doc.MUD.ModelName,
		Documentation: doc.MUD.Documentation,
		Expiration:    now.UTC().Add(cacheValidity(doc.MUD.CacheValidity)),
		ACLs:          acls,
	}, nil
}

func parseACE(raw jsonACE) (ACE, error) {
	var action Action
	switch raw.Actions.Forwarding {
	case "accept":
		action = ActionAccept
	case "drop", "reject":
		action = ActionDeny
	default:
		return ACE{}, fmt.Errorf("unknown forwarding action %q", raw.Actions.Forwarding)
	}

	matches := AceMatches{}
	for _, ip := range []*ipMatch{raw.Matches.IPv4, raw.Matches.IPv6} {
		if ip == nil {
			continue
		}
		matches.Protocol = AceProtocol(ip.Protocol)
		if ip.DstDNSName != "" {
			matches.DNSName = ip.DstDNSName
		} else if ip.SrcDNSName != "" {
			matches.DNSName = ip.SrcDNSName
		}
	}
	// An explicit transport container pins the protocol even when the IP
	// layer omits the number.
	if raw.Matches.TCP != nil {
		matches.Protocol = ProtocolTCP
		readPorts(raw.Matches.TCP, &matches)
	}
	if raw.Matches.UDP != nil {
		matches.Protocol = ProtocolUDP
		readPorts(raw.Matches.UDP, &matches)
	}

	return ACE{Name: raw.Name, Action: action, Matches: matches}, nil
}

func readPorts(t *transportMatch, m *AceMatches) {
	if t.SourcePort != nil {
		p := t.SourcePort.Port
		m.SourcePort = &p
	}
	if t.DestinationPort != nil {
		p := t.DestinationPort.Port
		m.DestinationPort = &p
	}
}

func cacheValidity(hours *int) time.Duration {
	h := defaultCacheValidityHours
	if hours != nil {
		h = *hours
		if h < minCacheValidityHours {
			h = minCacheValidityHours
		}
		if h > maxCacheValidityHours {
			h = maxCacheValidityHours
		}
	}
	return time.Duration(h) * time.Hour
}
