package broker

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// API keys this client speaks.
const (
	keyProduce         int16 = 0
	keyFetch           int16 = 1
	keyListOffsets     int16 = 2
	keyMetadata        int16 = 3
	keyOffsetCommit    int16 = 8
	keyOffsetFetch     int16 = 9
	keyFindCoordinator int16 = 10
	keyJoinGroup       int16 = 11
	keyHeartbeat       int16 = 12
	keyLeaveGroup      int16 = 13
	keySyncGroup       int16 = 14
	keyApiVersions     int16 = 18
)

type versionRange struct {
	min, max int16
}

// clientVersions bounds the version sent per API. The maxima are the newest
// non-flexible, topic-name based versions; the minima are the oldest whose
// fields the client relies on.
var clientVersions = map[int16]versionRange{
	keyProduce:         {min: 3, max: 7},
	keyFetch:           {min: 4, max: 11},
	keyListOffsets:     {min: 1, max: 4},
	keyMetadata:        {min: 1, max: 7},
	keyOffsetCommit:    {min: 2, max: 7},
	keyOffsetFetch:     {min: 1, max: 5},
	keyFindCoordinator: {min: 0, max: 2},
	keyJoinGroup:       {min: 1, max: 5},
	keyHeartbeat:       {min: 0, max: 3},
	keyLeaveGroup:      {min: 0, max: 3},
	keySyncGroup:       {min: 0, max: 3},
	keyApiVersions:     {min: 0, max: 0},
}

// UnsupportedVersionError is returned when a broker's newest version of an API
// is older than what the client needs.
type UnsupportedVersionError struct {
	Key       int16
	BrokerMax int16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf(
		"broker: %s supported up to v%d, client needs v%d",
		kmsg.NameForKey(e.Key), e.BrokerMax, clientVersions[e.Key].min,
	)
}

// pickVersion sets req's version to min(client max, broker max).
// brokerMax is nil when the broker did not answer ApiVersions.
func pickVersion(req kmsg.Request, brokerMax map[int16]int16) error {
	key := req.Key()
	vr, ok := clientVersions[key]
	if !ok {
		vr = versionRange{min: 0, max: req.MaxVersion()}
	}

	v := vr.max
	if bm, ok := brokerMax[key]; ok && bm < v {
		v = bm
	} else if !ok && brokerMax != nil {
		return &UnsupportedVersionError{Key: key, BrokerMax: -1}
	}
	if v < vr.min {
		return &UnsupportedVersionError{Key: key, BrokerMax: v}
	}
	req.SetVersion(v)
	return nil
}
