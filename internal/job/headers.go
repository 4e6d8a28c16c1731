package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Broker header keys. The complete job context rides in the delivery headers
// so that any consumer bound to the shared queue can rebuild the job without
// a store lookup.
const (
	HeaderID            = "job_id"
	HeaderType          = "job_type"
	HeaderModelID       = "job_model_id"
	HeaderRemoteClass   = "job_remote_class"
	HeaderRemoteMethod  = "job_remote_method"
	HeaderRequestModel  = "job_request_model_class"
	HeaderResponseModel = "job_response_model_class"
	HeaderStorage       = "job_storage"
	HeaderKeepAlive     = "job_keep_alive"
)

// ErrBadHeaders is returned when a delivery lacks the required job headers.
var ErrBadHeaders = errors.New("missing job headers")

// Headers encodes the job context for a broker publish.
func (j *Job) Headers() map[string]interface{} {
	return map[string]interface{}{
		HeaderID:            j.ID,
		HeaderType:          string(j.Type),
		HeaderModelID:       j.WorkerID,
		HeaderRemoteClass:   j.RemoteClass,
		HeaderRemoteMethod:  j.RemoteMethod,
		HeaderRequestModel:  j.RequestModel,
		HeaderResponseModel: j.ResponseModel,
		HeaderStorage:       string(j.Storage),
		HeaderKeepAlive:     int64(j.KeepAlive),
	}
}

// FromHeaders rebuilds a job from delivery headers and the decoded body.
func FromHeaders(headers map[string]interface{}, payload json.RawMessage) (*Job, error) {
	id, ok := headers[HeaderID].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %s", ErrBadHeaders, HeaderID)
	}
	typ, ok := headers[HeaderType].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("%w: %s", ErrBadHeaders, HeaderType)
	}
	j := &Job{
		ID:      id,
		Type:    ParseType(typ),
		Payload: payload,
		Status:  Queued,
		Storage: StorageLocal,
	}
	j.WorkerID, _ = headers[HeaderModelID].(string)
	j.RemoteClass, _ = headers[HeaderRemoteClass].(string)
	j.RemoteMethod, _ = headers[HeaderRemoteMethod].(string)
	j.RequestModel, _ = headers[HeaderRequestModel].(string)
	j.ResponseModel, _ = headers[HeaderResponseModel].(string)
	if s, _ := headers[HeaderStorage].(string); s != "" {
		if storage, ok := ParseStorage(s); ok {
			j.Storage = storage
		}
	}
	j.KeepAlive = headerInt(headers[HeaderKeepAlive])
	return j, nil
}

// headerInt tolerates the integer widths AMQP header tables come back with.
func headerInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
