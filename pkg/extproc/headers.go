// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"

	"github.com/absmach/mtap/pkg/handler"
	"github.com/absmach/mtap/pkg/transaction"
)

// headerList converts an Envoy header map, preferring raw_value when value
// is empty.
func headerList(m *corev3.HeaderMap) transaction.HeaderList {
	hdrs := m.GetHeaders()
	out := make(transaction.HeaderList, 0, len(hdrs))
	for _, h := range hdrs {
		v := h.GetValue()
		if v == "" {
			v = string(h.GetRawValue())
		}
		out.Add(h.GetKey(), v)
	}
	return out
}

// split separates pseudo-headers from regular ones.
func split(all transaction.HeaderList) (pseudo, regular transaction.HeaderList) {
	for _, h := range all {
		if transaction.IsPseudo(h.Name) {
			pseudo = append(pseudo, h)
			continue
		}
		regular = append(regular, h)
	}
	return pseudo, regular
}

func headerMutation(mut *handler.Mutation) *extprocv3.HeaderMutation {
	set, remove := mut.SetHeaders(), mut.RemoveHeaders()
	if len(set) == 0 && len(remove) == 0 {
		return nil
	}

	hm := &extprocv3.HeaderMutation{RemoveHeaders: remove}
	for _, h := range set {
		hm.SetHeaders = append(hm.SetHeaders, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{
				Key:      h.Name,
				RawValue: []byte(h.Value),
			},
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		})
	}
	return hm
}

func headersResponse(mut *handler.Mutation) *extprocv3.HeadersResponse {
	return &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{
			Status:         extprocv3.CommonResponse_CONTINUE,
			HeaderMutation: headerMutation(mut),
		},
	}
}

func immediateResponse(mut *handler.Mutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(mut.ImmediateStatus)},
				Headers: headerMutation(mut),
				Details: mut.ImmediateDetails,
			},
		},
	}
}

func bodyResponse() *extprocv3.BodyResponse {
	return &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE},
	}
}

// continueResponse answers any phase with a plain CONTINUE.
func continueResponse(req *extprocv3.ProcessingRequest) *extprocv3.ProcessingResponse {
	switch req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: headersResponse(&handler.Mutation{}),
		}}
	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: bodyResponse(),
		}}
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{},
		}}
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: headersResponse(&handler.Mutation{}),
		}}
	case *extprocv3.ProcessingRequest_ResponseBody:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: bodyResponse(),
		}}
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		}}
	default:
		return &extprocv3.ProcessingResponse{}
	}
}

// Phase names used in logs, errors and metric labels.
const (
	phaseRequestHeaders   = "request_headers"
	phaseRequestBody      = "request_body"
	phaseRequestTrailers  = "request_trailers"
	phaseResponseHeaders  = "response_headers"
	phaseResponseBody     = "response_body"
	phaseResponseTrailers = "response_trailers"
	phaseEmpty            = "empty"
)

func phaseName(req *extprocv3.ProcessingRequest) string {
	switch req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return phaseRequestHeaders
	case *extprocv3.ProcessingRequest_RequestBody:
		return phaseRequestBody
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return phaseRequestTrailers
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return phaseResponseHeaders
	case *extprocv3.ProcessingRequest_ResponseBody:
		return phaseResponseBody
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return phaseResponseTrailers
	default:
		return phaseEmpty
	}
}
