package websocket

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// FormatProto 以 protobuf 二进制帧推送，?format=proto
const FormatProto = "proto"

// encodeBinary JSON消息转为 google.protobuf.Struct 二进制
func encodeBinary(message []byte) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(message, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// DecodeBinary 解析二进制帧
func DecodeBinary(data []byte) (*Message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}
