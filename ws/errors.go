package ws

import "github.com/msgrelay/msgrelay/relay"

func newInvalidArgumentError(params ...string) *relay.ErrorPayload {
	return &relay.ErrorPayload{
		Code:   relay.ErrorCodeInvalidArguments,
		Params: params,
	}
}

func newUnimplementedError(params ...string) *relay.ErrorPayload {
	return &relay.ErrorPayload{
		Code:   relay.ErrorCodeUnimplemented,
		Params: params,
	}
}

func newInternalError(err string) *relay.ErrorPayload {
	return &relay.ErrorPayload{
		Code:   relay.ErrorCodeInternal,
		Params: []string{err},
	}
}

// interceptError hides internal details from the peer.
func interceptError(err *relay.ErrorPayload) *relay.ErrorPayload {
	if err.Code == relay.ErrorCodeInternal {
		err.Params = []string{"temp relay error"}
	}
	return err
}
