package attestation

import (
	"fmt"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// NSMDevice talks to the AWS Nitro Secure Module.
type NSMDevice struct{}

// Open opens /dev/nsm.
func (NSMDevice) Open() (Session, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, err
	}
	return &nsmSession{sess: sess}, nil
}

type nsmSession struct {
	sess *nsm.Session
}

func (s *nsmSession) Attest(nonce, userData, publicKey []byte) ([]byte, error) {
	res, err := s.sess.Send(&request.Attestation{
		Nonce:     nonce,
		UserData:  userData,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("nsm send: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("nsm: %s", res.Error)
	}
	if res.Attestation == nil || len(res.Attestation.Document) == 0 {
		return nil, fmt.Errorf("nsm returned no attestation document")
	}
	return res.Attestation.Document, nil
}

func (s *nsmSession) Close() error {
	return s.sess.Close()
}
